package bmap

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleBmap = `<?xml version="1.0" ?>
<bmap version="2.0">
    <ImageSize> 32 </ImageSize>
    <BlockSize> 4 </BlockSize>
    <BlocksCount> 8 </BlocksCount>
    <MappedBlocksCount> 3 </MappedBlocksCount>
    <ChecksumType> sha256 </ChecksumType>
    <BlockMap>
        <Range chksum="%s"> 0-1 </Range>
        <Range chksum="%s"> 5 </Range>
    </BlockMap>
</bmap>
`

func TestParse(t *testing.T) {
	doc := fmt.Sprintf(sampleBmap, "aa", "bb")
	b, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	require.Equal(t, uint64(32), b.ImageSize)
	require.Equal(t, uint64(4), b.BlockSize)
	require.Equal(t, uint64(8), b.BlocksCount)
	require.Equal(t, uint64(3), b.MappedBlocksCount)
	require.Equal(t, "sha256", b.ChecksumType)
	require.Len(t, b.Ranges, 2)

	first, last, err := b.Ranges[0].Bounds()
	require.NoError(t, err)
	require.Equal(t, uint64(0), first)
	require.Equal(t, uint64(1), last)

	first, last, err = b.Ranges[1].Bounds()
	require.NoError(t, err)
	require.Equal(t, uint64(5), first)
	require.Equal(t, uint64(5), last)
}

func TestBoundsRejects(t *testing.T) {
	if _, _, err := (Range{Blocks: "5-2"}).Bounds(); err == nil {
		t.Error("inverted range accepted")
	}
	if _, _, err := (Range{Blocks: "x"}).Bounds(); err == nil {
		t.Error("garbage range accepted")
	}
}

// memWriteSeeker is an in-memory io.WriteSeeker.
type memWriteSeeker struct {
	data []byte
	off  int64
}

func (m *memWriteSeeker) Write(p []byte) (int, error) {
	end := m.off + int64(len(p))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	copy(m.data[m.off:end], p)
	m.off = end
	return len(p), nil
}

func (m *memWriteSeeker) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		m.off = offset
	case io.SeekCurrent:
		m.off += offset
	case io.SeekEnd:
		m.off = int64(len(m.data)) + offset
	}
	return m.off, nil
}

func TestCopyMappedRangesOnly(t *testing.T) {
	image := make([]byte, 32)
	for i := range image {
		image[i] = byte(i + 1)
	}
	sum1 := sha256.Sum256(image[0:8])
	sum2 := sha256.Sum256(image[20:24])
	doc := fmt.Sprintf(sampleBmap, hex.EncodeToString(sum1[:]), hex.EncodeToString(sum2[:]))

	b, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)

	dst := &memWriteSeeker{}
	require.NoError(t, Copy(dst, bytes.NewReader(image), b))

	want := make([]byte, 24)
	copy(want[0:8], image[0:8])
	copy(want[20:24], image[20:24])
	require.Equal(t, want, dst.data)
}

func TestCopyChecksumMismatch(t *testing.T) {
	image := make([]byte, 32)
	doc := fmt.Sprintf(sampleBmap, strings.Repeat("00", 32), strings.Repeat("00", 32))
	b, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)

	err = Copy(&memWriteSeeker{}, bytes.NewReader(image), b)
	require.Error(t, err)
	require.Contains(t, err.Error(), "checksum mismatch")
}

func TestCopyWithoutChecksums(t *testing.T) {
	image := make([]byte, 32)
	for i := range image {
		image[i] = byte(i)
	}
	doc := `<bmap version="2.0">
  <ImageSize>32</ImageSize>
  <BlockSize>4</BlockSize>
  <BlocksCount>8</BlocksCount>
  <MappedBlocksCount>8</MappedBlocksCount>
  <BlockMap>
    <Range>0-7</Range>
  </BlockMap>
</bmap>`
	b, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)

	dst := &memWriteSeeker{}
	require.NoError(t, Copy(dst, bytes.NewReader(image), b))
	require.Equal(t, image, dst.data)
}

func TestFindSidecar(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "disk.ext4.gz")
	sidecar := filepath.Join(dir, "disk.ext4.bmap")
	require.NoError(t, os.WriteFile(img, nil, 0644))
	require.NoError(t, os.WriteFile(sidecar, nil, 0644))

	found, ok := FindSidecar(img)
	require.True(t, ok)
	require.Equal(t, sidecar, found)

	_, ok = FindSidecar(filepath.Join(dir, "other.img"))
	require.False(t, ok)
}

func TestFindSidecarDirect(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "disk.img")
	sidecar := img + ".bmap"
	require.NoError(t, os.WriteFile(img, nil, 0644))
	require.NoError(t, os.WriteFile(sidecar, nil, 0644))

	found, ok := FindSidecar(img)
	require.True(t, ok)
	require.Equal(t, sidecar, found)
}
