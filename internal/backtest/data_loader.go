package backtest

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"donor-insights/internal/donor"
)

// DataLoader holds the donor population a backtest runs against.
type DataLoader struct {
	donors []donor.Record
}

// NewDataLoader creates an empty loader.
func NewDataLoader() *DataLoader {
	return &DataLoader{}
}

// NewDataLoaderFrom creates a loader over records.
func NewDataLoaderFrom(records []donor.Record) *DataLoader {
	dl := &DataLoader{}
	dl.set(append([]donor.Record(nil), records...))
	return dl
}

// LoadFromRepository loads every donor the repository holds.
func (dl *DataLoader) LoadFromRepository(ctx context.Context, repo donor.Repository) error {
	donors, err := repo.GetAllDonors(ctx)
	if err != nil {
		return fmt.Errorf("failed to load donors: %w", err)
	}
	dl.set(donors)
	log.Info().Int("donors", len(dl.donors)).Msg("Loaded donors from repository")
	return nil
}

// LoadFromJSON reads donor records from a file holding either a JSON array
// or a stream of concatenated objects.
func (dl *DataLoader) LoadFromJSON(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open JSON file: %w", err)
	}
	defer file.Close()

	donors, err := DecodeRecords(file)
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	dl.set(donors)
	log.Info().Str("file", path).Int("donors", len(dl.donors)).Msg("Loaded donors from JSON")
	return nil
}

// DecodeRecords decodes a JSON array of records or a stream of record
// objects. Donations of each record are sorted chronologically.
func DecodeRecords(r io.Reader) ([]donor.Record, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}

	decoder := json.NewDecoder(br)
	var donors []donor.Record
	if first == '[' {
		if err := decoder.Decode(&donors); err != nil {
			return nil, err
		}
	} else {
		for decoder.More() {
			var rec donor.Record
			if err := decoder.Decode(&rec); err != nil {
				return nil, err
			}
			donors = append(donors, rec)
		}
	}

	for i := range donors {
		if donors[i].ID == "" {
			return nil, fmt.Errorf("record %d has no id", i)
		}
		donors[i].SortDonations()
	}
	return donors, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}

// LoadFromCSV reads donations from a CSV file with the header
// donor_id,amount,occurred_at[,project_category] and groups them into
// records. occurred_at is RFC3339.
func (dl *DataLoader) LoadFromCSV(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return fmt.Errorf("failed to read CSV: %w", err)
	}
	if len(records) == 0 {
		dl.set(nil)
		return nil
	}

	byID := make(map[string]*donor.Record)
	for i, row := range records[1:] {
		line := i + 2
		if len(row) < 3 {
			return fmt.Errorf("line %d: expected at least 3 columns, got %d", line, len(row))
		}
		id := strings.TrimSpace(row[0])
		if id == "" {
			return fmt.Errorf("line %d: empty donor id", line)
		}
		amount, err := strconv.ParseFloat(strings.TrimSpace(row[1]), 64)
		if err != nil {
			return fmt.Errorf("line %d: invalid amount: %w", line, err)
		}
		at, err := time.Parse(time.RFC3339, strings.TrimSpace(row[2]))
		if err != nil {
			return fmt.Errorf("line %d: invalid timestamp: %w", line, err)
		}
		d := donor.Donation{Amount: amount, OccurredAt: at}
		if len(row) > 3 {
			d.ProjectCategory = strings.TrimSpace(row[3])
		}

		rec, ok := byID[id]
		if !ok {
			rec = &donor.Record{ID: id}
			byID[id] = rec
		}
		rec.Donations = append(rec.Donations, d)
	}

	donors := make([]donor.Record, 0, len(byID))
	for _, rec := range byID {
		rec.SortDonations()
		donors = append(donors, *rec)
	}
	dl.set(donors)
	log.Info().Str("file", path).Int("donors", len(dl.donors)).Msg("Loaded donations from CSV")
	return nil
}

func (dl *DataLoader) set(donors []donor.Record) {
	sort.Slice(donors, func(i, j int) bool { return donors[i].ID < donors[j].ID })
	dl.donors = donors
}

// Donors returns the loaded population in id order.
func (dl *DataLoader) Donors() []donor.Record {
	return dl.donors
}

// GetDataCount returns the number of loaded donors.
func (dl *DataLoader) GetDataCount() int {
	return len(dl.donors)
}

// Split partitions the population into a training and a holdout set. The
// same seed and population always yield the same split. At least one donor
// stays on each side when the population has two or more donors.
func (dl *DataLoader) Split(holdoutFraction float64, seed int64) (train, holdout []donor.Record) {
	n := len(dl.donors)
	if n == 0 {
		return nil, nil
	}

	order := rand.New(rand.NewSource(seed)).Perm(n)
	k := int(float64(n)*holdoutFraction + 0.5)
	if n >= 2 {
		k = max(1, min(k, n-1))
	} else {
		k = 0
	}

	inHoldout := make([]bool, n)
	for _, idx := range order[:k] {
		inHoldout[idx] = true
	}
	for i, rec := range dl.donors {
		if inHoldout[i] {
			holdout = append(holdout, rec)
		} else {
			train = append(train, rec)
		}
	}
	return train, holdout
}
