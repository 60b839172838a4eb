package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// PredictionSnapshot is the headline of one served prediction.
type PredictionSnapshot struct {
	DonorID         string    `json:"donor_id"`
	Timestamp       time.Time `json:"timestamp"`
	ModelVersion    string    `json:"model_version"`
	Segment         string    `json:"segment"`
	LifetimeValue   float64   `json:"lifetime_value"`
	PredictedAmount float64   `json:"predicted_amount"`
	Confidence      float64   `json:"confidence"`
	RiskScore       float64   `json:"risk_score"`
}

// Snapshot keys are the donor id, a NUL separator and the zero-padded
// UnixNano timestamp, so one donor's keys sort chronologically and never
// share a prefix with another donor's.
func snapshotPrefix(donorID string) []byte {
	return []byte(donorID + "\x00")
}

func snapshotKey(donorID string, ts time.Time) []byte {
	return []byte(fmt.Sprintf("%s\x00%019d", donorID, ts.UnixNano()))
}

// StorePrediction appends a snapshot to the donor's prediction history.
func (s *Store) StorePrediction(snap PredictionSnapshot) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(predictionsBucket))

		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("marshal prediction snapshot: %w", err)
		}

		return b.Put(snapshotKey(snap.DonorID, snap.Timestamp), data)
	})
}

// GetPredictions returns a donor's snapshots with start <= Timestamp <= end,
// oldest first.
func (s *Store) GetPredictions(donorID string, start, end time.Time) ([]PredictionSnapshot, error) {
	var snapshots []PredictionSnapshot

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(predictionsBucket)).Cursor()
		prefix := snapshotPrefix(donorID)
		endKey := snapshotKey(donorID, end)

		for k, v := c.Seek(snapshotKey(donorID, start)); k != nil && bytes.HasPrefix(k, prefix) && bytes.Compare(k, endKey) <= 0; k, v = c.Next() {
			var snap PredictionSnapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				continue // Skip malformed records
			}
			snapshots = append(snapshots, snap)
		}
		return nil
	})

	return snapshots, err
}
