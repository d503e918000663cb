package export

import (
	"fmt"

	"github.com/parquet-go/parquet-go"
)

// ParquetSaver writes the records as a single Parquet file.
type ParquetSaver struct{}

func (ParquetSaver) Extension() string { return "parquet" }

func (ParquetSaver) Save(records []Record, path string) error {
	if err := parquet.WriteFile(path, records); err != nil {
		return fmt.Errorf("export: write %s: %w", path, err)
	}
	return nil
}
