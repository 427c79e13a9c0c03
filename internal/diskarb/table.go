package diskarb

import (
	"fmt"
	"os"
	"strconv"

	"howett.net/plist"
)

// tableRecord is the on-disk shape of one disk table entry.
type tableRecord struct {
	UUID    string   `plist:"UUID"`
	Label   string   `plist:"Label"`
	GPT     bool     `plist:"GPT"`
	Helpers []string `plist:"Helpers"`
}

// LoadTable reads a static disk table for [ExecSession] use: a property
// list dictionary keyed by decimal device id.
func LoadTable(path string) (map[uint64]TableEntry, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("(diskarb) failed to read disk table: %w", err)
	}

	var records map[string]tableRecord
	if _, err := plist.Unmarshal(buf, &records); err != nil {
		return nil, fmt.Errorf("(diskarb) failed to parse disk table: %w", err)
	}

	table := make(map[uint64]TableEntry, len(records))
	for devStr, rec := range records {
		dev, err := strconv.ParseUint(devStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("(diskarb) bad device id %q in disk table: %w", devStr, err)
		}
		table[dev] = TableEntry{
			UUID:    rec.UUID,
			Label:   rec.Label,
			Helpers: rec.Helpers,
			GPT:     rec.GPT,
		}
	}

	return table, nil
}
