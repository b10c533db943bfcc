package groupstore

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"

	"github.com/flashentropy/flashentropy/internal/flash"
)

// mappedFile memory-maps one array file read-only and keeps the handles
// needed to unmap and close it again.
type mappedFile struct {
	f *os.File
	m mmap.MMap
}

func openMapped(path string) (*mappedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("groupstore: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("groupstore: stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		f.Close()
		return nil, nil
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("groupstore: mmap %s: %w", path, err)
	}
	return &mappedFile{f: f, m: m}, nil
}

func (mf *mappedFile) close() error {
	if mf == nil {
		return nil
	}
	if err := mf.m.Unmap(); err != nil {
		mf.f.Close()
		return err
	}
	return mf.f.Close()
}

// Open reads the meta file and every array file under dir, mapping each
// array read-only and decoding it into a plain-slice flash.Index. The
// mapped files stay open until the returned closer is called; callers
// typically register it with an internal/cache.GroupCache so an evicted
// group unmaps promptly.
func Open(dir string) (*flash.Index, func() error, error) {
	metaBytes, err := os.ReadFile(joinPath(dir, fileMeta))
	if err != nil {
		return nil, nil, fmt.Errorf("groupstore: read meta: %w", err)
	}
	meta, err := decodeMeta(metaBytes)
	if err != nil {
		return nil, nil, err
	}

	var mapped []*mappedFile
	closeAll := func() error {
		var firstErr error
		for _, mf := range mapped {
			if err := mf.close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	readArray := func(name string, kind uint8) ([]byte, uint64, error) {
		mf, err := openMapped(joinPath(dir, name))
		if err != nil {
			closeAll()
			return nil, 0, err
		}
		if mf == nil {
			return nil, 0, nil
		}
		mapped = append(mapped, mf)
		count, offset, err := readArrayHeader(mf.m, kind)
		if err != nil {
			closeAll()
			return nil, 0, err
		}
		return mf.m[offset:], count, nil
	}

	offsetsBytes, offsetsCount, err := readArray(fileOffsets, elemUint64)
	if err != nil {
		return nil, nil, err
	}
	mzBytes, mzCount, err := readArray(fileMZ, elemFloat32)
	if err != nil {
		return nil, nil, err
	}
	intensityBytes, _, err := readArray(fileIntensity, elemFloat32)
	if err != nil {
		return nil, nil, err
	}
	specIdxBytes, _, err := readArray(fileSpecIdx, elemUint64)
	if err != nil {
		return nil, nil, err
	}
	ionIdxBytes, _, err := readArray(fileIonIdx, elemUint32)
	if err != nil {
		return nil, nil, err
	}
	precursorMZBytes, precursorCount, err := readArray(filePrecursorMZ, elemFloat32)
	if err != nil {
		return nil, nil, err
	}
	precursorOrderBytes, _, err := readArray(filePrecursorOrder, elemUint64)
	if err != nil {
		return nil, nil, err
	}

	idx := &flash.Index{
		NSpectra:             meta.NSpectra,
		NPeaks:               meta.NPeaks,
		HasNeutralLoss:       meta.HasNeutralLoss,
		IntensityWeighted:    meta.IntensityWeighted,
		ProductMZIdxStart:    decodeUint64(offsetsBytes, offsetsCount),
		AllPeaksMZ:           decodeFloat32(mzBytes, mzCount),
		AllPeaksIntensity:    decodeFloat32(intensityBytes, mzCount),
		AllPeaksSpecIdx:      decodeUint64(specIdxBytes, mzCount),
		AllIonsIdxForPeak:    decodeUint32(ionIdxBytes, mzCount),
		SpectraPrecursorMZ:   decodeFloat32(precursorMZBytes, precursorCount),
		SpectraOrderToGlobal: decodeUint64(precursorOrderBytes, precursorCount),
	}

	if meta.HasNeutralLoss {
		nlMZBytes, nlCount, err := readArray(fileNLMZ, elemFloat32)
		if err != nil {
			return nil, nil, err
		}
		nlIntensityBytes, _, err := readArray(fileNLIntensity, elemFloat32)
		if err != nil {
			return nil, nil, err
		}
		nlSpecIdxBytes, _, err := readArray(fileNLSpecIdx, elemUint64)
		if err != nil {
			return nil, nil, err
		}
		nlIonIdxBytes, _, err := readArray(fileNLIonIdx, elemUint32)
		if err != nil {
			return nil, nil, err
		}
		idx.NLPeaksMZ = decodeFloat32(nlMZBytes, nlCount)
		idx.NLPeaksIntensity = decodeFloat32(nlIntensityBytes, nlCount)
		idx.NLPeaksSpecIdx = decodeUint64(nlSpecIdxBytes, nlCount)
		idx.NLIonsIdxForPeak = decodeUint32(nlIonIdxBytes, nlCount)
	}

	return idx, closeAll, nil
}

func decodeFloat32(data []byte, count uint64) []float32 {
	out := make([]float32, count)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4 : i*4+4]))
	}
	return out
}

func decodeUint64(data []byte, count uint64) []uint64 {
	out := make([]uint64, count)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(data[i*8 : i*8+8])
	}
	return out
}

func decodeUint32(data []byte, count uint64) []uint32 {
	out := make([]uint32, count)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(data[i*4 : i*4+4])
	}
	return out
}

func joinPath(dir, name string) string {
	return filepath.Join(dir, name)
}
