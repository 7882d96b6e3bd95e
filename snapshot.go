package match

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// OrderBookSnapshot contains the full state of a single OrderBook.
type OrderBookSnapshot struct {
	Symbol   string         `json:"symbol"`
	State    OrderBookState `json:"state"`
	Config   MarketConfig   `json:"config"`
	SeqID    uint64         `json:"seq_id"`    // Current BookLog sequence ID
	OrderSeq uint64         `json:"order_seq"` // Last admission sequence
	TradeID  uint64         `json:"trade_id"`  // Current Trade sequence ID
	Bids     []Order        `json:"bids"`      // Ordered list of bids (best price first)
	Asks     []Order        `json:"asks"`      // Ordered list of asks (best price first)
}

// SnapshotMetadata holds the global metadata for a snapshot (stored in metadata.json).
type SnapshotMetadata struct {
	SchemaVersion    int    `json:"schema_version"`
	Timestamp        int64  `json:"timestamp"`         // Unix Nano
	EngineVersion    string `json:"engine_version"`    // Engine version
	SnapshotChecksum uint32 `json:"snapshot_checksum"` // CRC32 of the entire snapshot.bin file
	Markets          int    `json:"markets"`
}

// SnapshotFileFooter is the footer structure stored at the end of snapshot.bin.
// Layout: [BinaryData...][FooterJSON][FooterLength(4 bytes)]
type SnapshotFileFooter struct {
	Markets []MarketSegment `json:"markets"` // Index of market data in this file
}

// MarketSegment contains metadata for a specific market's data within the snapshot binary file.
type MarketSegment struct {
	Symbol   string `json:"symbol"`
	Offset   int64  `json:"offset"`   // Start offset in snapshot.bin (relative to file start)
	Length   int64  `json:"length"`   // Length in bytes
	Checksum uint32 `json:"checksum"` // CRC32 Checksum of this segment
}

// TakeSnapshot captures every order book and writes them to outputDir as
// `snapshot.bin` (market segments plus footer) and `metadata.json`.
// The directory is replaced atomically.
func (engine *MatchingEngine) TakeSnapshot(ctx context.Context, outputDir string) (*SnapshotMetadata, error) {
	snaps := make([]*OrderBookSnapshot, 0)
	var errs []error
	engine.orderbooks.Range(func(key, value any) bool {
		book := value.(*OrderBook)
		snap, err := book.TakeSnapshot(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("snapshot failed for market %s: %w", key, err))
			return true
		}
		snaps = append(snaps, snap)
		return true
	})
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].Symbol < snaps[j].Symbol
	})

	tmpDir := outputDir + ".tmp"
	if err := os.RemoveAll(tmpDir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return nil, err
	}

	binPath := filepath.Join(tmpDir, "snapshot.bin")
	if err := writeSnapshotFile(binPath, snaps); err != nil {
		return nil, err
	}

	snapshotChecksum, err := calculateFileCRC32(binPath)
	if err != nil {
		return nil, err
	}

	meta := &SnapshotMetadata{
		SchemaVersion:    SnapshotSchemaVersion,
		Timestamp:        time.Now().UnixNano(),
		EngineVersion:    EngineVersion,
		SnapshotChecksum: snapshotChecksum,
		Markets:          len(snaps),
	}

	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "metadata.json"), metaBytes, 0600); err != nil {
		return nil, err
	}

	if err := os.RemoveAll(outputDir); err != nil {
		return nil, err
	}
	if err := os.Rename(tmpDir, outputDir); err != nil {
		return nil, err
	}

	logger.Info("snapshot written", "dir", outputDir, "markets", meta.Markets, "checksum", meta.SnapshotChecksum)
	return meta, nil
}

func writeSnapshotFile(path string, snaps []*OrderBookSnapshot) (err error) {
	binFile, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := binFile.Close(); err == nil {
			err = cerr
		}
	}()

	markets := make([]MarketSegment, 0, len(snaps))
	currentOffset := int64(0)

	for _, snap := range snaps {
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}

		n, err := binFile.Write(data)
		if err != nil {
			return err
		}

		markets = append(markets, MarketSegment{
			Symbol:   snap.Symbol,
			Offset:   currentOffset,
			Length:   int64(n),
			Checksum: crc32.ChecksumIEEE(data),
		})
		currentOffset += int64(n)
	}

	footerData, err := json.Marshal(SnapshotFileFooter{Markets: markets})
	if err != nil {
		return err
	}
	if _, err := binFile.Write(footerData); err != nil {
		return err
	}

	if len(footerData) > 4294967295 {
		return errors.New("footer too large")
	}
	//nolint:gosec // Verified length above
	if err := binary.Write(binFile, binary.BigEndian, uint32(len(footerData))); err != nil {
		return err
	}

	return binFile.Sync()
}

// RestoreFromSnapshot recreates every order book stored in inputDir and starts it.
// Markets that already exist in the engine are rejected with ErrMarketExists.
func (engine *MatchingEngine) RestoreFromSnapshot(inputDir string) (*SnapshotMetadata, error) {
	metaBytes, err := os.ReadFile(filepath.Join(inputDir, "metadata.json"))
	if err != nil {
		return nil, err
	}

	var meta SnapshotMetadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, err
	}
	if meta.SchemaVersion != SnapshotSchemaVersion {
		return nil, fmt.Errorf("unsupported snapshot schema %d", meta.SchemaVersion)
	}

	binPath := filepath.Join(inputDir, "snapshot.bin")
	fileChecksum, err := calculateFileCRC32(binPath)
	if err != nil {
		return nil, err
	}
	if fileChecksum != meta.SnapshotChecksum {
		return nil, fmt.Errorf("%w: snapshot.bin", ErrChecksum)
	}

	binFile, err := os.Open(binPath)
	if err != nil {
		return nil, err
	}
	defer binFile.Close()

	stat, err := binFile.Stat()
	if err != nil {
		return nil, err
	}
	fileSize := stat.Size()
	if fileSize < 4 {
		return nil, errors.New("snapshot.bin is truncated")
	}

	footerLenBytes := make([]byte, 4)
	if _, err := binFile.ReadAt(footerLenBytes, fileSize-4); err != nil {
		return nil, err
	}
	footerLen := binary.BigEndian.Uint32(footerLenBytes)

	footerBytes := make([]byte, footerLen)
	if _, err := binFile.ReadAt(footerBytes, fileSize-4-int64(footerLen)); err != nil {
		return nil, err
	}

	var footer SnapshotFileFooter
	if err := json.Unmarshal(footerBytes, &footer); err != nil {
		return nil, err
	}

	books := make([]*OrderBook, 0, len(footer.Markets))
	for _, segment := range footer.Markets {
		if _, exists := engine.orderbooks.Load(segment.Symbol); exists {
			return nil, fmt.Errorf("%w: %s", ErrMarketExists, segment.Symbol)
		}

		segmentData := make([]byte, segment.Length)
		if _, err := binFile.ReadAt(segmentData, segment.Offset); err != nil {
			return nil, err
		}
		if crc32.ChecksumIEEE(segmentData) != segment.Checksum {
			return nil, fmt.Errorf("%w: market %s", ErrChecksum, segment.Symbol)
		}

		var snap OrderBookSnapshot
		if err := json.Unmarshal(segmentData, &snap); err != nil {
			return nil, err
		}

		book := engine.newBook(snap.Symbol, snap.Config)
		book.Restore(&snap)
		if err := engine.seedIDs(book); err != nil {
			return nil, err
		}
		books = append(books, book)
	}

	for _, book := range books {
		if _, loaded := engine.orderbooks.LoadOrStore(book.symbol, book); loaded {
			return nil, fmt.Errorf("%w: %s", ErrMarketExists, book.symbol)
		}
		engine.startBook(book)
	}

	logger.Info("snapshot restored", "dir", inputDir, "markets", len(books))
	return &meta, nil
}

func calculateFileCRC32(path string) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	hash := crc32.NewIEEE()
	if _, err := io.Copy(hash, f); err != nil {
		return 0, err
	}
	return hash.Sum32(), nil
}
