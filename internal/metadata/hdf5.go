package metadata

import (
	"fmt"

	"gonum.org/v1/hdf5"
)

// HDF5AttributeEncoder attaches the same field set as attributes on a
// hierarchical dataset writer's group, so a reader that opens the file can
// recover observation metadata without a separate sidecar file.
type HDF5AttributeEncoder struct {
	group *hdf5.Group
}

func NewHDF5AttributeEncoder(group *hdf5.Group) *HDF5AttributeEncoder {
	return &HDF5AttributeEncoder{group: group}
}

func (e *HDF5AttributeEncoder) Encode(fs *FieldSet) error {
	for _, f := range fs.Fields() {
		if err := e.writeAttribute(f); err != nil {
			return fmt.Errorf("metadata: hdf5 attribute %q: %w", f.Key, err)
		}
	}

	return nil
}

func (e *HDF5AttributeEncoder) writeAttribute(f Field) error {
	space, err := hdf5.CreateDataspace(hdf5.S_SCALAR)
	if err != nil {
		return fmt.Errorf("creating scalar dataspace: %w", err)
	}
	defer space.Close()

	switch f.Kind {
	case KindString:
		dtype, err := hdf5.NewDatatypeFromValue(f.Str)
		if err != nil {
			return fmt.Errorf("string datatype: %w", err)
		}

		attr, err := e.group.CreateAttribute(f.Key, dtype, space)
		if err != nil {
			return fmt.Errorf("creating attribute: %w", err)
		}
		defer attr.Close()

		return attr.Write(&f.Str, dtype)

	case KindInt32:
		attr, err := e.group.CreateAttribute(f.Key, hdf5.T_NATIVE_INT32, space)
		if err != nil {
			return fmt.Errorf("creating attribute: %w", err)
		}
		defer attr.Close()

		return attr.Write(&f.Int, hdf5.T_NATIVE_INT32)

	case KindFloat64:
		attr, err := e.group.CreateAttribute(f.Key, hdf5.T_NATIVE_DOUBLE, space)
		if err != nil {
			return fmt.Errorf("creating attribute: %w", err)
		}
		defer attr.Close()

		return attr.Write(&f.Float, hdf5.T_NATIVE_DOUBLE)

	default:
		return fmt.Errorf("unknown field kind %d", f.Kind)
	}
}
