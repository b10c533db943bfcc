package groupstore

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/flashentropy/flashentropy/internal/flash"
)

const (
	fileMeta           = "meta"
	fileOffsets        = "offsets.bin"
	fileMZ             = "mz.bin"
	fileIntensity      = "intensity.bin"
	fileSpecIdx        = "specidx.bin"
	fileIonIdx         = "ionidx.bin"
	fileNLMZ           = "nl_mz.bin"
	fileNLIntensity    = "nl_intensity.bin"
	fileNLSpecIdx      = "nl_specidx.bin"
	fileNLIonIdx       = "nl_ionidx.bin"
	filePrecursorMZ    = "precursor_mz.bin"
	filePrecursorOrder = "precursor_order.bin"
)

// Write persists idx to dir, one little-endian packed array file per array
// plus a meta file, using a temp-file-then-rename discipline per file so a
// failed write never leaves a corrupt array visible at its final path
// (spec §7: "library remains unchanged on disk for write failures").
func Write(dir string, idx *flash.Index) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("groupstore: create group dir: %w", err)
	}

	if err := writeFile(dir, fileMeta, encodeMeta(groupMeta{
		SchemaVersion:     metaSchemaVersion,
		NSpectra:          idx.NSpectra,
		NPeaks:            idx.NPeaks,
		HasNeutralLoss:    idx.HasNeutralLoss,
		IntensityWeighted: idx.IntensityWeighted,
	})); err != nil {
		return err
	}

	if err := writeUint64Array(dir, fileOffsets, idx.ProductMZIdxStart); err != nil {
		return err
	}
	if err := writeFloat32Array(dir, fileMZ, idx.AllPeaksMZ); err != nil {
		return err
	}
	if err := writeFloat32Array(dir, fileIntensity, idx.AllPeaksIntensity); err != nil {
		return err
	}
	if err := writeUint64Array(dir, fileSpecIdx, idx.AllPeaksSpecIdx); err != nil {
		return err
	}
	if err := writeUint32Array(dir, fileIonIdx, idx.AllIonsIdxForPeak); err != nil {
		return err
	}
	if err := writeFloat32Array(dir, filePrecursorMZ, idx.SpectraPrecursorMZ); err != nil {
		return err
	}
	if err := writeUint64Array(dir, filePrecursorOrder, idx.SpectraOrderToGlobal); err != nil {
		return err
	}

	if idx.HasNeutralLoss {
		if err := writeFloat32Array(dir, fileNLMZ, idx.NLPeaksMZ); err != nil {
			return err
		}
		if err := writeFloat32Array(dir, fileNLIntensity, idx.NLPeaksIntensity); err != nil {
			return err
		}
		if err := writeUint64Array(dir, fileNLSpecIdx, idx.NLPeaksSpecIdx); err != nil {
			return err
		}
		if err := writeUint32Array(dir, fileNLIonIdx, idx.NLIonsIdxForPeak); err != nil {
			return err
		}
	}

	return nil
}

func writeFile(dir, name string, data []byte) error {
	final := filepath.Join(dir, name)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("groupstore: write %s: %w", name, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("groupstore: rename %s: %w", name, err)
	}
	return nil
}

func writeFloat32Array(dir, name string, values []float32) error {
	buf := writeArrayHeader(make([]byte, 0, 13+4*len(values)), elemFloat32, uint64(len(values)))
	for _, v := range values {
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], math.Float32bits(v))
		buf = append(buf, tmp[:]...)
	}
	return writeFile(dir, name, buf)
}

func writeUint64Array(dir, name string, values []uint64) error {
	buf := writeArrayHeader(make([]byte, 0, 13+8*len(values)), elemUint64, uint64(len(values)))
	for _, v := range values {
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], v)
		buf = append(buf, tmp[:]...)
	}
	return writeFile(dir, name, buf)
}

func writeUint32Array(dir, name string, values []uint32) error {
	buf := writeArrayHeader(make([]byte, 0, 13+4*len(values)), elemUint32, uint64(len(values)))
	for _, v := range values {
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], v)
		buf = append(buf, tmp[:]...)
	}
	return writeFile(dir, name, buf)
}
