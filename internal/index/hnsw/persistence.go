package hnsw

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/matte1782/edgevec/internal/filter"
	"github.com/matte1782/edgevec/internal/metadata"
	"github.com/matte1782/edgevec/internal/quant"
	"github.com/matte1782/edgevec/internal/storage"
	"github.com/matte1782/edgevec/internal/util"
)

// CorruptedSnapshotError reports a snapshot body that is truncated, fails
// its CRC-32 check, or cannot be decoded.
type CorruptedSnapshotError struct{}

func (e *CorruptedSnapshotError) Error() string {
	return "corrupted snapshot: truncated, CRC-32 mismatch, or undecodable body"
}

// UnsupportedVersionError reports a magic or version tuple this reader does
// not recognize.
type UnsupportedVersionError struct {
	Major, Minor uint8
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported snapshot version: %d.%d", e.Major, e.Minor)
}

// Save writes the full index state to w as a single logical snapshot file
// (spec.md §4.8): header, config, node records, neighbor arena, vector
// arena, optional BQ arena, deletion bitmap, metadata, CRC-32 trailer.
// Writing always produces the current version; it is the caller's
// responsibility to make the write atomic (e.g. write-to-temp-then-rename,
// as SaveToFile below does for the local-filesystem case).
func (idx *Index) Save(w io.Writer) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var body bytes.Buffer

	configBytes := idx.encodeConfigLocked()
	nodesBytes, neighborBytes := idx.encodeGraphLocked()
	vectorBytes := idx.encodeVectorsLocked()
	bqBytes := idx.encodeBQLocked()
	bitmapBytes := idx.encodeBitmapLocked()
	metaBytes, err := idx.encodeMetadataLocked()
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	var flags uint16
	if idx.bq != nil {
		flags |= flagBQPresent
	}
	if idx.meta.Len() > 0 {
		flags |= flagHasMetadata
	}

	h := header{
		VersionMajor: currentVersionMajor,
		VersionMinor: currentVersionMinor,
		Flags:        flags,
		Dimension:    uint32(idx.config.Dimension),
		NodeCount:    uint32(idx.store.Count()),
		LiveCount:    uint32(idx.store.LiveCount()),
		DeletedCount: uint32(idx.store.DeletedCount()),
		EntryPointID: idx.entryPoint,
		LMax:         uint8(idx.config.LMax),
		M:            uint8(idx.config.M),
		M0:           uint8(idx.config.M0),
	}
	copy(h.Magic[:], snapshotMagic)

	offset := uint32(0)
	h.ConfigOffset, h.ConfigLength = offset, uint32(len(configBytes))
	offset += h.ConfigLength
	h.NodesOffset, h.NodesLength = offset, uint32(len(nodesBytes))
	offset += h.NodesLength
	h.NeighborOffset, h.NeighborLength = offset, uint32(len(neighborBytes))
	offset += h.NeighborLength
	h.VectorOffset, h.VectorLength = offset, uint32(len(vectorBytes))
	offset += h.VectorLength
	h.BQOffset, h.BQLength = offset, uint32(len(bqBytes))
	offset += h.BQLength
	h.BitmapOffset, h.BitmapLength = offset, uint32(len(bitmapBytes))
	offset += h.BitmapLength
	h.MetaOffset, h.MetaLength = offset, uint32(len(metaBytes))

	body.Write(configBytes)
	body.Write(nodesBytes)
	body.Write(neighborBytes)
	body.Write(vectorBytes)
	body.Write(bqBytes)
	body.Write(bitmapBytes)
	body.Write(metaBytes)

	if _, err := w.Write(encodeHeader(h)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := w.Write(body.Bytes()); err != nil {
		return fmt.Errorf("write body: %w", err)
	}

	crc := crc32.ChecksumIEEE(body.Bytes())
	if err := binary.Write(w, binary.LittleEndian, crc); err != nil {
		return fmt.Errorf("write crc: %w", err)
	}

	return nil
}

// SaveToFile writes the snapshot to path atomically: the body is written to
// a temp file in the same directory and renamed into place, so a crash mid-
// write never leaves a truncated or partially-written file at path.
func (idx *Index) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := idx.Save(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func encodeHeader(h header) []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:4], h.Magic[:])
	buf[4] = h.VersionMajor
	buf[5] = h.VersionMinor
	binary.LittleEndian.PutUint16(buf[6:8], h.Flags)
	binary.LittleEndian.PutUint32(buf[8:12], h.Dimension)
	binary.LittleEndian.PutUint32(buf[12:16], h.NodeCount)
	binary.LittleEndian.PutUint32(buf[16:20], h.LiveCount)
	binary.LittleEndian.PutUint32(buf[20:24], h.DeletedCount)
	binary.LittleEndian.PutUint32(buf[24:28], h.EntryPointID)
	buf[28] = h.LMax
	buf[29] = h.M
	buf[30] = h.M0
	// buf[31] reserved
	binary.LittleEndian.PutUint32(buf[32:36], h.ConfigOffset)
	binary.LittleEndian.PutUint32(buf[36:40], h.ConfigLength)
	binary.LittleEndian.PutUint32(buf[40:44], h.NodesOffset)
	binary.LittleEndian.PutUint32(buf[44:48], h.NodesLength)
	binary.LittleEndian.PutUint32(buf[48:52], h.NeighborOffset)
	binary.LittleEndian.PutUint32(buf[52:56], h.NeighborLength)
	binary.LittleEndian.PutUint32(buf[56:60], h.VectorOffset)
	binary.LittleEndian.PutUint32(buf[60:64], h.VectorLength)
	// Remaining offset/length fields (BQ, bitmap, meta) are appended after
	// the fixed 64-byte header region; see decodeHeader for the matching
	// layout. The full header is headerSize+24 bytes, and Load reads that
	// many header bytes for every readable version.
	extra := make([]byte, 24)
	binary.LittleEndian.PutUint32(extra[0:4], h.BQOffset)
	binary.LittleEndian.PutUint32(extra[4:8], h.BQLength)
	binary.LittleEndian.PutUint32(extra[8:12], h.BitmapOffset)
	binary.LittleEndian.PutUint32(extra[12:16], h.BitmapLength)
	binary.LittleEndian.PutUint32(extra[16:20], h.MetaOffset)
	binary.LittleEndian.PutUint32(extra[20:24], h.MetaLength)
	return append(buf, extra...)
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < headerSize+24 {
		return header{}, &CorruptedSnapshotError{}
	}
	var h header
	copy(h.Magic[:], buf[0:4])
	h.VersionMajor = buf[4]
	h.VersionMinor = buf[5]
	h.Flags = binary.LittleEndian.Uint16(buf[6:8])
	h.Dimension = binary.LittleEndian.Uint32(buf[8:12])
	h.NodeCount = binary.LittleEndian.Uint32(buf[12:16])
	h.LiveCount = binary.LittleEndian.Uint32(buf[16:20])
	h.DeletedCount = binary.LittleEndian.Uint32(buf[20:24])
	h.EntryPointID = binary.LittleEndian.Uint32(buf[24:28])
	h.LMax = buf[28]
	h.M = buf[29]
	h.M0 = buf[30]
	h.ConfigOffset = binary.LittleEndian.Uint32(buf[32:36])
	h.ConfigLength = binary.LittleEndian.Uint32(buf[36:40])
	h.NodesOffset = binary.LittleEndian.Uint32(buf[40:44])
	h.NodesLength = binary.LittleEndian.Uint32(buf[44:48])
	h.NeighborOffset = binary.LittleEndian.Uint32(buf[48:52])
	h.NeighborLength = binary.LittleEndian.Uint32(buf[52:56])
	h.VectorOffset = binary.LittleEndian.Uint32(buf[56:60])
	h.VectorLength = binary.LittleEndian.Uint32(buf[60:64])
	h.BQOffset = binary.LittleEndian.Uint32(buf[64:68])
	h.BQLength = binary.LittleEndian.Uint32(buf[68:72])
	h.BitmapOffset = binary.LittleEndian.Uint32(buf[72:76])
	h.BitmapLength = binary.LittleEndian.Uint32(buf[76:80])
	h.MetaOffset = binary.LittleEndian.Uint32(buf[80:84])
	h.MetaLength = binary.LittleEndian.Uint32(buf[84:88])
	return h, nil
}

// Load reads a snapshot from r and returns a fully reconstructed Index. It
// accepts any version in readableVersions; pre-(0,3) snapshots never
// recorded per-node deletion state, so deleted_count and every node's
// Deleted flag default to false per the forward-migration rule in
// spec.md §4.8.
func Load(r io.Reader) (*Index, error) {
	headerBuf := make([]byte, headerSize+24)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, &UnsupportedVersionError{}
	}
	h, err := decodeHeader(headerBuf)
	if err != nil {
		return nil, err
	}
	if string(h.Magic[:]) != snapshotMagic {
		return nil, &UnsupportedVersionError{Major: h.VersionMajor, Minor: h.VersionMinor}
	}
	if !isReadableVersion(h.VersionMajor, h.VersionMinor) {
		return nil, &UnsupportedVersionError{Major: h.VersionMajor, Minor: h.VersionMinor}
	}

	bodyLen := int(h.MetaOffset + h.MetaLength)
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, &CorruptedSnapshotError{}
	}

	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return nil, &CorruptedSnapshotError{}
	}
	wantCRC := binary.LittleEndian.Uint32(crcBuf[:])
	if crc32.ChecksumIEEE(body) != wantCRC {
		return nil, &CorruptedSnapshotError{}
	}

	legacy := h.VersionMajor == 0 && h.VersionMinor < 3

	config, err := decodeConfig(body[h.ConfigOffset : h.ConfigOffset+h.ConfigLength])
	if err != nil {
		return nil, err
	}
	config.BQEnabled = h.Flags&flagBQPresent != 0

	idx := &Index{
		config: config,
		store:  storage.NewVectorStore(config.Dimension, config.Metric, h.Flags&flagBQPresent != 0),
		meta:   metadata.NewStore(),
		rng:    newSeededRNG(config.Seed),
	}
	idx.distance, err = util.GetDistanceFunc(config.Metric)
	if err != nil {
		return nil, fmt.Errorf("unsupported distance metric: %w", err)
	}

	vectors, err := decodeVectors(body[h.VectorOffset:h.VectorOffset+h.VectorLength], int(h.NodeCount), config.Dimension)
	if err != nil {
		return nil, err
	}

	var codes [][]byte
	if h.Flags&flagBQPresent != 0 {
		codes = decodeBQ(body[h.BQOffset:h.BQOffset+h.BQLength], int(h.NodeCount), config.Dimension)
	}

	bitmap := make([]bool, h.NodeCount)
	if !legacy {
		decodeBitmap(body[h.BitmapOffset:h.BitmapOffset+h.BitmapLength], bitmap)
	}

	for i, v := range vectors {
		id, err := idx.store.InsertRaw(v)
		if err != nil {
			return nil, fmt.Errorf("restore vector %d: %w", i, err)
		}
		if codes != nil {
			idx.store.SetCodeRaw(id, codes[i])
		}
		if bitmap[i] {
			idx.store.MarkDeleted(id)
		}
	}

	nodes, err := decodeNodes(body[h.NodesOffset:h.NodesOffset+h.NodesLength], int(h.NodeCount))
	if err != nil {
		return nil, err
	}
	neighborWords, err := checkedCastUint32s(body[h.NeighborOffset:h.NeighborOffset+h.NeighborLength], "neighbor arena")
	if err != nil {
		return nil, err
	}

	idx.nodes = make([]*GraphNode, h.NodeCount)
	for i, rec := range nodes {
		deleted := !legacy && rec.Deleted != 0
		neighbors, err := readNeighborLayers(neighborWords, rec.ArenaOffset, int(rec.MaxLayer))
		if err != nil {
			return nil, err
		}
		n := &GraphNode{
			ID:        rec.ID,
			MaxLayer:  int(rec.MaxLayer),
			Deleted:   deleted,
			Neighbors: neighbors,
		}
		idx.nodes[i] = n
	}

	if h.NodeCount > 0 {
		idx.entryPoint = h.EntryPointID
		idx.hasEntryPoint = true
	}

	if h.Flags&flagHasMetadata != 0 {
		if err := idx.decodeMetadataLocked(body[h.MetaOffset : h.MetaOffset+h.MetaLength]); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}

	if h.Flags&flagBQPresent != 0 {
		q, err := quantForConfig(config)
		if err != nil {
			return nil, err
		}
		idx.bq = q
	}

	return idx, nil
}

// LoadFromFile opens and loads a snapshot previously written by SaveToFile.
func LoadFromFile(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

func (idx *Index) encodeConfigLocked() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(idx.config.Dimension))
	binary.Write(&buf, binary.LittleEndian, uint32(idx.config.Metric))
	binary.Write(&buf, binary.LittleEndian, uint32(idx.config.M))
	binary.Write(&buf, binary.LittleEndian, uint32(idx.config.M0))
	binary.Write(&buf, binary.LittleEndian, uint32(idx.config.EfConstruction))
	binary.Write(&buf, binary.LittleEndian, uint32(idx.config.EfSearchDefault))
	binary.Write(&buf, binary.LittleEndian, math.Float64bits(idx.config.ML))
	binary.Write(&buf, binary.LittleEndian, uint32(idx.config.LMax))
	binary.Write(&buf, binary.LittleEndian, idx.config.Seed)
	binary.Write(&buf, binary.LittleEndian, math.Float64bits(idx.config.CompactionThreshold))
	binary.Write(&buf, binary.LittleEndian, uint32(idx.config.RescoreFactorDefault))
	return buf.Bytes()
}

func decodeConfig(b []byte) (*Config, error) {
	r := bytes.NewReader(b)
	c := &Config{BQEnabled: false, SelectivitySelector: filter.DefaultSelectorConfig()}

	var dim, metric, m, m0, efc, efs, lmax, rescore uint32
	var mlBits, thresholdBits uint64
	var seed int64

	for _, v := range []interface{}{&dim, &metric, &m, &m0, &efc, &efs, &mlBits, &lmax, &seed, &thresholdBits, &rescore} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return nil, &CorruptedSnapshotError{}
		}
	}

	c.Dimension = int(dim)
	c.Metric = util.DistanceMetric(metric)
	c.M = int(m)
	c.M0 = int(m0)
	c.EfConstruction = int(efc)
	c.EfSearchDefault = int(efs)
	c.ML = math.Float64frombits(mlBits)
	c.LMax = int(lmax)
	c.Seed = seed
	c.CompactionThreshold = math.Float64frombits(thresholdBits)
	c.RescoreFactorDefault = int(rescore)
	return c, nil
}

func (idx *Index) encodeGraphLocked() (nodesBytes, neighborBytes []byte) {
	var nodesBuf, neighborBuf bytes.Buffer

	for _, n := range idx.nodes {
		arenaOffset := uint32(neighborBuf.Len() / 4)

		deleted := uint32(0)
		if n.Deleted {
			deleted = 1
		}
		binary.Write(&nodesBuf, binary.LittleEndian, n.ID)
		binary.Write(&nodesBuf, binary.LittleEndian, uint32(n.MaxLayer))
		binary.Write(&nodesBuf, binary.LittleEndian, deleted)
		binary.Write(&nodesBuf, binary.LittleEndian, arenaOffset)

		for layer := 0; layer <= n.MaxLayer; layer++ {
			nbs := n.Neighbors[layer]
			binary.Write(&neighborBuf, binary.LittleEndian, uint32(len(nbs)))
			for _, id := range nbs {
				binary.Write(&neighborBuf, binary.LittleEndian, id)
			}
		}
	}

	return nodesBuf.Bytes(), neighborBuf.Bytes()
}

func decodeNodes(b []byte, count int) ([]onDiskNode, error) {
	return checkedCastNodes(b, count)
}

// readNeighborLayers reads maxLayer+1 count-prefixed layer chunks starting
// at wordOffset (in uint32 units) from the flat neighbor arena.
func readNeighborLayers(words []uint32, wordOffset uint32, maxLayer int) ([][]storage.VectorId, error) {
	layers := make([][]storage.VectorId, maxLayer+1)
	i := wordOffset
	for l := 0; l <= maxLayer; l++ {
		if i >= uint32(len(words)) {
			return nil, &CorruptedSnapshotError{}
		}
		count := words[i]
		i++
		if count > uint32(len(words))-i {
			return nil, &CorruptedSnapshotError{}
		}
		layer := make([]storage.VectorId, count)
		copy(layer, words[i:i+count])
		layers[l] = layer
		i += count
	}
	return layers, nil
}

func (idx *Index) encodeVectorsLocked() []byte {
	var buf bytes.Buffer
	for i := 0; i < idx.store.Count(); i++ {
		v, _ := idx.store.Get(uint32(i))
		for _, c := range v {
			binary.Write(&buf, binary.LittleEndian, math.Float32bits(c))
		}
	}
	return buf.Bytes()
}

func decodeVectors(b []byte, count, dimension int) ([][]float32, error) {
	words, err := checkedCastUint32s(b, "vector arena")
	if err != nil {
		return nil, err
	}
	if len(words) != count*dimension {
		return nil, &CorruptedSnapshotError{}
	}

	vectors := make([][]float32, count)
	for i := 0; i < count; i++ {
		v := make([]float32, dimension)
		for j := 0; j < dimension; j++ {
			v[j] = math.Float32frombits(words[i*dimension+j])
		}
		vectors[i] = v
	}
	return vectors, nil
}

func (idx *Index) encodeBQLocked() []byte {
	if idx.bq == nil {
		return nil
	}
	var buf bytes.Buffer
	for i := 0; i < idx.store.Count(); i++ {
		code, _ := idx.store.GetCode(uint32(i))
		buf.Write(code)
	}
	return buf.Bytes()
}

func decodeBQ(b []byte, count, dimension int) [][]byte {
	codeLen := (dimension + 7) / 8
	codes := make([][]byte, count)
	for i := 0; i < count; i++ {
		codes[i] = append([]byte(nil), b[i*codeLen:(i+1)*codeLen]...)
	}
	return codes
}

func (idx *Index) encodeBitmapLocked() []byte {
	buf := make([]byte, idx.store.Count())
	for i := 0; i < idx.store.Count(); i++ {
		if idx.store.IsDeleted(uint32(i)) {
			buf[i] = 1
		}
	}
	return buf
}

func decodeBitmap(b []byte, out []bool) {
	for i := range out {
		if i < len(b) {
			out[i] = b[i] != 0
		}
	}
}

func (idx *Index) encodeMetadataLocked() ([]byte, error) {
	dump := make(map[uint32]interface{})
	idx.meta.Each(func(id uint32, value interface{}) {
		dump[id] = value
	})
	return json.Marshal(dump)
}

func (idx *Index) decodeMetadataLocked(b []byte) error {
	dump := make(map[string]interface{})
	if err := json.Unmarshal(b, &dump); err != nil {
		return err
	}
	for k, v := range dump {
		var id uint32
		if _, err := fmt.Sscanf(k, "%d", &id); err != nil {
			continue
		}
		idx.meta.Set(id, v)
	}
	return nil
}

func newSeededRNG(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

// quantForConfig recreates the registry-backed binary quantizer for a
// loaded index, mirroring NewIndex's construction so a loaded BQ-enabled
// index can immediately serve SearchBQ.
func quantForConfig(config *Config) (quant.Quantizer, error) {
	q, err := quant.Create(quant.DefaultConfig(quant.BinaryQuantization))
	if err != nil {
		return nil, fmt.Errorf("failed to create binary quantizer: %w", err)
	}
	q.(interface{ SetDimension(int) }).SetDimension(config.Dimension)
	return q, nil
}
