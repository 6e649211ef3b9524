package store

import (
	"bytes"
	"database/sql"
	"encoding/binary"
	"fmt"
	"time"
)

// Worker is one enrolled worker with their reference face descriptor.
type Worker struct {
	WorkerID   string    `json:"worker_id"`
	Name       string    `json:"name"`
	Descriptor []float32 `json:"-"`
	EnrolledAt time.Time `json:"enrolled_at"`
}

func (s *Store) initWorkerSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workers (
		worker_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		descriptor BLOB NOT NULL,
		enrolled_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Enroll stores or replaces a worker's reference descriptor.
func (s *Store) Enroll(workerID, name string, descriptor []float32) error {
	if len(descriptor) == 0 {
		return fmt.Errorf("descriptor cannot be empty")
	}

	blob, err := serializeDescriptor(descriptor)
	if err != nil {
		return fmt.Errorf("failed to serialize descriptor: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO workers (worker_id, name, descriptor) VALUES (?, ?, ?)
		 ON CONFLICT(worker_id) DO UPDATE SET
			name = excluded.name,
			descriptor = excluded.descriptor,
			enrolled_at = CURRENT_TIMESTAMP`,
		workerID, name, blob,
	)
	if err != nil {
		return fmt.Errorf("failed to enroll worker: %w", err)
	}
	return nil
}

// Descriptor returns the enrolled reference descriptor for a worker.
// Implements the engine manager's DescriptorSource port.
func (s *Store) Descriptor(workerID string) ([]float32, error) {
	var blob []byte
	err := s.db.QueryRow(`SELECT descriptor FROM workers WHERE worker_id = ?`, workerID).Scan(&blob)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("worker not enrolled: %s", workerID)
		}
		return nil, fmt.Errorf("failed to load descriptor: %w", err)
	}
	return deserializeDescriptor(blob)
}

// Workers lists all enrolled workers, descriptors omitted.
func (s *Store) Workers() ([]Worker, error) {
	rows, err := s.db.Query(`SELECT worker_id, name, enrolled_at FROM workers ORDER BY worker_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var workers []Worker
	for rows.Next() {
		var w Worker
		if err := rows.Scan(&w.WorkerID, &w.Name, &w.EnrolledAt); err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// RemoveWorker deletes a worker's enrollment.
func (s *Store) RemoveWorker(workerID string) error {
	result, err := s.db.Exec(`DELETE FROM workers WHERE worker_id = ?`, workerID)
	if err != nil {
		return fmt.Errorf("failed to remove worker: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("worker not enrolled: %s", workerID)
	}
	return nil
}

// serializeDescriptor encodes a descriptor as little-endian float32s.
func serializeDescriptor(descriptor []float32) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, descriptor); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func deserializeDescriptor(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("corrupt descriptor blob: %d bytes", len(blob))
	}
	descriptor := make([]float32, len(blob)/4)
	if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, &descriptor); err != nil {
		return nil, err
	}
	return descriptor, nil
}
