package journal

import (
	"bytes"
	"fmt"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"tradegate/models"
)

// OrderRecord is one row of a journal file. Decimals are kept as strings
// so no precision is lost.
type OrderRecord struct {
	Timestamp     int64  `parquet:"name=timestamp, type=INT64"`
	Environment   string `parquet:"name=environment, type=BYTE_ARRAY, convertedtype=UTF8"`
	ClientOrderID string `parquet:"name=client_order_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol        string `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side          string `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Type          string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status        string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Quantity      string `parquet:"name=quantity, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price         string `parquet:"name=price, type=BYTE_ARRAY, convertedtype=UTF8"`
	ExecutedQty   string `parquet:"name=executed_qty, type=BYTE_ARRAY, convertedtype=UTF8"`
	Reason        string `parquet:"name=reason, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func recordFor(ev models.OrderEvent) OrderRecord {
	return OrderRecord{
		Timestamp:     ev.At.UnixMilli(),
		Environment:   ev.Environment,
		ClientOrderID: ev.ClientOrderID,
		Symbol:        ev.Symbol,
		Side:          string(ev.Side),
		Type:          string(ev.Type),
		Status:        ev.Status.String(),
		Quantity:      ev.Quantity.String(),
		Price:         ev.Price.String(),
		ExecutedQty:   ev.ExecutedQty.String(),
		Reason:        ev.Reason,
	}
}

// memoryFile collects a parquet file in memory.
type memoryFile struct {
	buf *bytes.Buffer
}

func newMemoryFile() *memoryFile { return &memoryFile{buf: &bytes.Buffer{}} }

func (f *memoryFile) Create(string) (source.ParquetFile, error) { return f, nil }
func (f *memoryFile) Open(string) (source.ParquetFile, error)   { return f, nil }
func (f *memoryFile) Seek(int64, int) (int64, error)            { return int64(f.buf.Len()), nil }
func (f *memoryFile) Read(b []byte) (int, error)                { return f.buf.Read(b) }
func (f *memoryFile) Write(b []byte) (int, error)               { return f.buf.Write(b) }
func (f *memoryFile) Close() error                              { return nil }

func compressionCodec(name string) parquet.CompressionCodec {
	switch name {
	case "snappy":
		return parquet.CompressionCodec_SNAPPY
	case "gzip":
		return parquet.CompressionCodec_GZIP
	case "zstd":
		return parquet.CompressionCodec_ZSTD
	default:
		return parquet.CompressionCodec_UNCOMPRESSED
	}
}

// encode renders events as one parquet file.
func encode(events []models.OrderEvent, compression string) ([]byte, error) {
	f := newMemoryFile()
	pw, err := writer.NewParquetWriter(f, new(OrderRecord), 2)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = compressionCodec(compression)
	for _, ev := range events {
		if err := pw.Write(recordFor(ev)); err != nil {
			_ = pw.WriteStop()
			return nil, fmt.Errorf("write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet file: %w", err)
	}
	return f.buf.Bytes(), nil
}
