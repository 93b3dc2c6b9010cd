// Package segmentconfig holds the plain configuration value types described
// in spec.md §6 — collection, shard, segment, vector storage, payload index
// and optimizer knobs. These are data, not the config-loading layer: there is
// no viper/env binding here (that belongs to the excluded CLI/server
// surface), only the struct shapes and their on-disk JSON encoding, following
// milvus's `paramtable` value-object conventions without its env/file-watch
// machinery.
package segmentconfig

import "time"

// StorageType selects a vector storage backend for a single vector field.
type StorageType string

const (
	StorageMemory      StorageType = "memory"
	StorageMmap        StorageType = "mmap"
	StorageChunkedMmap StorageType = "chunked_mmap"
)

// Distance names the metric used to compare vectors of a field.
type Distance string

const (
	DistanceCosine    Distance = "cosine"
	DistanceEuclidean Distance = "euclid"
	DistanceDot       Distance = "dot"
)

// QuantizationKind selects which side-index quantizes a vector field, if any.
type QuantizationKind string

const (
	QuantizationNone    QuantizationKind = ""
	QuantizationScalar  QuantizationKind = "scalar"
	QuantizationProduct QuantizationKind = "product"
	QuantizationBinary  QuantizationKind = "binary"
)

// ScalarQuantizationConfig configures int8 scalar quantization.
type ScalarQuantizationConfig struct {
	Type      string  `json:"type"`
	Quantile  float32 `json:"quantile"`
	AlwaysRAM bool    `json:"always_ram"`
}

// ProductQuantizationConfig configures product quantization.
type ProductQuantizationConfig struct {
	Compression string `json:"compression"`
	AlwaysRAM   bool   `json:"always_ram"`
}

// BinaryQuantizationConfig configures 1-bit binary quantization.
type BinaryQuantizationConfig struct {
	AlwaysRAM bool `json:"always_ram"`
}

// QuantizationConfig is a tagged union over the three quantization variants;
// exactly one of the pointer fields should be non-nil when Kind != "".
type QuantizationConfig struct {
	Kind    QuantizationKind           `json:"kind"`
	Scalar  *ScalarQuantizationConfig  `json:"scalar,omitempty"`
	Product *ProductQuantizationConfig `json:"product,omitempty"`
	Binary  *BinaryQuantizationConfig  `json:"binary,omitempty"`
}

// QuantizationConfigDiff expresses a partial override of a collection-level
// QuantizationConfig, e.g. a per-field or per-segment-builder refinement.
// A nil field means "inherit from the base config".
type QuantizationConfigDiff struct {
	Kind    *QuantizationKind          `json:"kind,omitempty"`
	Scalar  *ScalarQuantizationConfig  `json:"scalar,omitempty"`
	Product *ProductQuantizationConfig `json:"product,omitempty"`
	Binary  *BinaryQuantizationConfig  `json:"binary,omitempty"`
}

// Apply merges diff onto base, returning a new QuantizationConfig.
func (diff *QuantizationConfigDiff) Apply(base QuantizationConfig) QuantizationConfig {
	if diff == nil {
		return base
	}
	out := base
	if diff.Kind != nil {
		out.Kind = *diff.Kind
	}
	if diff.Scalar != nil {
		out.Scalar = diff.Scalar
	}
	if diff.Product != nil {
		out.Product = diff.Product
	}
	if diff.Binary != nil {
		out.Binary = diff.Binary
	}
	return out
}

// HnswConfig configures the HNSW graph side-index used by vectorindex.HNSWIndex.
type HnswConfig struct {
	M                  int `json:"m"`
	EfConstruct        int `json:"ef_construct"`
	FullScanThreshold  int `json:"full_scan_threshold"`
	MaxIndexingThreads int `json:"max_indexing_threads"`
}

// VectorFieldConfig configures one named vector field on a collection.
type VectorFieldConfig struct {
	Size          int                `json:"size"`
	Distance      Distance           `json:"distance"`
	Storage       StorageType        `json:"storage"`
	Hnsw          *HnswConfig        `json:"hnsw,omitempty"`
	Quantization  QuantizationConfig `json:"quantization"`
	OnDiskPayload bool               `json:"on_disk"`
}

// PayloadIndexConfig configures one payload field's index.
type PayloadIndexConfig struct {
	FieldName string `json:"field_name"`
	FieldType string `json:"field_type"` // "keyword" | "integer" | "float" | "int_map" | "geo" | "text" | "bool"
	IsTenant  bool   `json:"is_tenant"`
}

// OptimizersConfig mirrors spec.md §6's optimizer knobs.
type OptimizersConfig struct {
	DeletedThreshold        float64       `json:"deleted_threshold"`
	VacuumMinVectorNumber   int           `json:"vacuum_min_vector_number"`
	DefaultSegmentNumber    int           `json:"default_segment_number"`
	MaxSegmentSize          int           `json:"max_segment_size"`
	MemmapThreshold         int           `json:"memmap_threshold"`
	IndexingThreshold       int           `json:"indexing_threshold"`
	FlushIntervalSec        int           `json:"flush_interval_sec"`
	MaxOptimizationThreads  int           `json:"max_optimization_threads"`
}

// FlushInterval returns the configured flush interval as a time.Duration.
func (o OptimizersConfig) FlushInterval() time.Duration {
	return time.Duration(o.FlushIntervalSec) * time.Second
}

// SegmentConfig is the per-segment configuration persisted alongside segment
// data, combining the vector field layout and payload index layout a
// segment.Builder needs to construct storage for a fresh segment.
type SegmentConfig struct {
	VectorFields map[string]VectorFieldConfig `json:"vector_fields"`
	PayloadIndex []PayloadIndexConfig         `json:"payload_index"`
}

// ShardConfig groups the segment layout with optimizer policy for one shard.
type ShardConfig struct {
	Segment    SegmentConfig    `json:"segment"`
	Optimizers OptimizersConfig `json:"optimizers"`
}

// CollectionConfig is the top-level configuration document for a collection,
// serialized to `config.json` in the collection's data directory per §6.
type CollectionConfig struct {
	Name  string      `json:"name"`
	Shard ShardConfig `json:"shard"`
}
