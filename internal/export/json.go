package export

import (
	"fmt"
	"os"

	json "github.com/goccy/go-json"
)

// JSONSaver writes the records as one indented JSON array.
type JSONSaver struct{}

func (JSONSaver) Extension() string { return "json" }

func (JSONSaver) Save(records []Record, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create %s: %w", path, err)
	}
	defer f.Close()

	if records == nil {
		records = []Record{}
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("export: write %s: %w", path, err)
	}
	return f.Close()
}
