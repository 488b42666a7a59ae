package transport

import (
	"context"
	"fmt"

	"gonum.org/v1/hdf5"
)

// hdf5ChunkRows and hdf5ChunkCols are the dataset's fixed chunk shape
// (time × beamlet), per SPEC_FULL.md section 4.G.
const (
	hdf5ChunkRows = 4096
	hdf5ChunkCols = 32
)

// HDF5Writer appends rows to an extensible 2-D (time × beamlet) dataset,
// chunked hdf5ChunkRows × hdf5ChunkCols (hdf5ChunkRows × Cols when Cols is
// narrower than hdf5ChunkCols), with an optional bitshuffle+Zstd filter
// pipeline. Each Write call appends len(src)/rowSize whole rows.
type HDF5Writer struct {
	file    *hdf5.File
	dataset *hdf5.Dataset
	cols    int
	rowSize int // bytes per row = cols * elementSize
	rows    int // rows written so far
}

// HDF5Options configures dataset creation.
type HDF5Options struct {
	Cols          int // beamlet count, the dataset's fixed second dimension
	ElementSize   int // bytes per sample (1, 2, or 4)
	BitshuffleZstd bool
}

// CreateHDF5Writer creates path and an extensible dataset named datasetName
// of shape (0, cols), unlimited in the first dimension.
func CreateHDF5Writer(path, datasetName string, opt HDF5Options) (*HDF5Writer, error) {
	f, err := hdf5.CreateFile(path, hdf5.F_ACC_TRUNC)
	if err != nil {
		return nil, fmt.Errorf("transport: creating hdf5 file %s: %w", path, err)
	}

	dims := []uint{0, uint(opt.Cols)}         //nolint:gosec
	maxDims := []uint{hdf5.COUNT_UNLIMITED, uint(opt.Cols)} //nolint:gosec

	space, err := hdf5.NewDataspaceSimple(dims, maxDims)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("transport: dataspace: %w", err)
	}
	defer space.Close()

	plist, err := hdf5.NewPropList(hdf5.P_DATASET_CREATE)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("transport: dataset create proplist: %w", err)
	}
	defer plist.Close()

	chunkCols := uint(hdf5ChunkCols)
	if uint(opt.Cols) < chunkCols { //nolint:gosec
		chunkCols = uint(opt.Cols) //nolint:gosec
	}

	if err := plist.SetChunk([]uint{hdf5ChunkRows, chunkCols}); err != nil {
		f.Close()
		return nil, fmt.Errorf("transport: set chunk: %w", err)
	}

	if opt.BitshuffleZstd {
		if err := plist.SetFilter(hdf5.FilterBitshuffle, hdf5.FlagMandatory); err != nil {
			f.Close()
			return nil, fmt.Errorf("transport: set bitshuffle filter: %w", err)
		}

		if err := plist.SetFilter(hdf5.FilterZstd, hdf5.FlagMandatory); err != nil {
			f.Close()
			return nil, fmt.Errorf("transport: set zstd filter: %w", err)
		}
	}

	dtype, err := elementDatatype(opt.ElementSize)
	if err != nil {
		f.Close()
		return nil, err
	}

	ds, err := f.CreateDatasetWith(datasetName, dtype, space, plist)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("transport: creating dataset %s: %w", datasetName, err)
	}

	return &HDF5Writer{
		file:    f,
		dataset: ds,
		cols:    opt.Cols,
		rowSize: opt.Cols * opt.ElementSize,
	}, nil
}

func elementDatatype(size int) (*hdf5.Datatype, error) {
	switch size {
	case 1:
		return hdf5.T_NATIVE_INT8, nil
	case 2:
		return hdf5.T_NATIVE_INT16, nil
	case 4:
		return hdf5.T_NATIVE_FLOAT, nil
	default:
		return nil, fmt.Errorf("transport: unsupported hdf5 element size %d", size)
	}
}

// Write extends the dataset by len(src)/rowSize rows and writes them. src's
// length must be a whole multiple of the row size.
func (w *HDF5Writer) Write(_ context.Context, src []byte) (int, error) {
	if len(src)%w.rowSize != 0 {
		return 0, fmt.Errorf("transport: hdf5 write of %d bytes is not a multiple of row size %d", len(src), w.rowSize)
	}

	newRows := len(src) / w.rowSize
	if newRows == 0 {
		return 0, nil
	}

	if err := w.dataset.SetExtent([]uint{uint(w.rows + newRows), uint(w.cols)}); err != nil { //nolint:gosec
		return 0, fmt.Errorf("transport: extending dataset: %w", err)
	}

	fileSpace, err := w.dataset.Space()
	if err != nil {
		return 0, fmt.Errorf("transport: dataset dataspace: %w", err)
	}
	defer fileSpace.Close()

	offset := []uint{uint(w.rows), 0}   //nolint:gosec
	count := []uint{uint(newRows), uint(w.cols)} //nolint:gosec

	if err := fileSpace.SelectHyperslab(offset, nil, count, nil); err != nil {
		return 0, fmt.Errorf("transport: selecting hyperslab: %w", err)
	}

	memSpace, err := hdf5.NewDataspaceSimple(count, count)
	if err != nil {
		return 0, fmt.Errorf("transport: memory dataspace: %w", err)
	}
	defer memSpace.Close()

	if err := w.dataset.WriteSubset(&src, memSpace, fileSpace); err != nil {
		return 0, fmt.Errorf("transport: writing hdf5 rows: %w", err)
	}

	w.rows += newRows

	return len(src), nil
}

// Group exposes the file's root group so callers can attach observation
// metadata via metadata.HDF5AttributeEncoder.
func (w *HDF5Writer) Group() (*hdf5.Group, error) {
	g, err := w.file.OpenGroup("/")
	if err != nil {
		return nil, fmt.Errorf("transport: opening root group: %w", err)
	}

	return g, nil
}

func (w *HDF5Writer) Close() error {
	if err := w.dataset.Close(); err != nil {
		return fmt.Errorf("transport: closing hdf5 dataset: %w", err)
	}

	return w.file.Close()
}
