package transfer

import (
	"encoding/json"
	"os"
)

// sidecarRecord is the persisted TransferState snapshot written alongside
// the `.part` file, so a restarted process can resume without re-probing.
type sidecarRecord struct {
	TransferID  string `json:"transferId"`
	PeerID      string `json:"peerId"`
	FileName    string `json:"fileName"`
	Size        int64  `json:"size"`
	ChunkSize   int    `json:"chunkSize"`
	TotalChunks int    `json:"totalChunks"`
	Committed   []int  `json:"committed"`
}

func sidecarPath(saveDir, fileName string) string {
	return partPath(saveDir, fileName) + ".state"
}

// SaveSidecar persists the set of committed chunk indices next to the
// `.part` file, the "persisted alongside" branch of spec §4.5's resume
// contract.
func (s *State) SaveSidecar() error {
	s.mu.Lock()
	var committed []int
	for i := 0; i < s.TotalChunks; i++ {
		if s.received.isSet(i) {
			committed = append(committed, i)
		}
	}
	rec := sidecarRecord{
		TransferID:  s.TransferID,
		PeerID:      s.PeerID,
		FileName:    s.FileName,
		Size:        s.Size,
		ChunkSize:   s.ChunkSize,
		TotalChunks: s.TotalChunks,
		Committed:   committed,
	}
	saveDir, fileName := s.SaveDirectory, s.FileName
	s.mu.Unlock()

	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return os.WriteFile(sidecarPath(saveDir, fileName), b, 0o644)
}

// LoadSidecar reconstructs a TransferState from a persisted sidecar file,
// restoring the committed-chunk bitset. It returns (nil, nil) if no
// sidecar exists, signaling the caller should fall back to
// ProbeExistingPart.
func LoadSidecar(saveDir, fileName string) (*State, error) {
	b, err := os.ReadFile(sidecarPath(saveDir, fileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec sidecarRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, nil // corrupt sidecar: fall back to probing rather than fail resume
	}

	s := New(rec.TransferID, rec.PeerID, rec.FileName, rec.Size, rec.ChunkSize, saveDir)
	s.mu.Lock()
	for _, idx := range rec.Committed {
		if idx >= 0 && idx < s.TotalChunks {
			s.received.set(idx)
		}
	}
	if s.received.cardinality() > 0 {
		s.bytesTransferred = 0
		for i := 0; i < s.TotalChunks; i++ {
			if s.received.isSet(i) {
				s.bytesTransferred += s.chunkLength(i)
			}
		}
	}
	s.mu.Unlock()
	return s, nil
}

// RemoveSidecar deletes a transfer's persisted sidecar, used on Cancel and
// on successful completion.
func RemoveSidecar(saveDir, fileName string) error {
	err := os.Remove(sidecarPath(saveDir, fileName))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
