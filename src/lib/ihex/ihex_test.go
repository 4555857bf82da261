package ihex

import (
	"bytes"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoodLines(t *testing.T) {
	checkPerfectLine(t, ":0B0010006164647265737320676170A7", DataLine)
	checkPerfectLine(t, ":00000001FF", EndOfFile)
	checkPerfectLine(t, ":020000040020DA", ExtendedLinearAddress)
	checkPerfectLine(t, ":040000050020004097", StartLinearAddress)
}

func checkPerfectLine(t *testing.T, line string, lt LineType) {
	t.Helper()
	rec, err := ParseLine(line)
	if err != nil {
		t.Errorf("expected line to decode correctly: %s (%v)", line, err)
		return
	}
	if rec.Type != lt {
		t.Errorf("bad line type, expected %s but got %s", lt, rec.Type)
	}
	if got := EncodeLine(rec); got != line {
		t.Errorf("expected %s to encode back to itself, but got %s", line, got)
	}
}

func TestDataEncoding(t *testing.T) {
	s := EncodeLine(Record{Type: DataLine, Offset: 0x1234, Data: []byte{0x01, 0x02, 00, 00, 00, 0x03}})
	assert.Equal(t, ":06123400010200000003AE", s)
}

func TestBadLines(t *testing.T) {
	_, err := ParseLine(":10000000000000010000214601360121470136007EFE09D2190149")
	assert.True(t, errors.Is(err, ErrSyntax), "length byte disagrees with the line: %v", err)

	_, err = ParseLine(":0B0010006164647265737320676170A8")
	assert.True(t, errors.Is(err, ErrChecksum), "%v", err)

	_, err = ParseLine(":0B001000616464726573732067617")
	assert.True(t, errors.Is(err, ErrSyntax), "odd number of digits: %v", err)

	_, err = ParseLine("0B0010006164647265737320676170A7")
	assert.True(t, errors.Is(err, ErrSyntax), "no colon: %v", err)
}

func TestEncoderWindows(t *testing.T) {
	var out bytes.Buffer
	e := NewEncoder(&out)
	require.NoError(t, e.Data(0x1_0000_fff8, bytes.Repeat([]byte{0xab}, 0x10)))
	require.NoError(t, e.Entry(0xffff_8000_0000_0040))
	require.NoError(t, e.Close())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	types := make([]LineType, len(lines))
	for i, l := range lines {
		rec, err := ParseLine(l)
		require.NoError(t, err)
		types[i] = rec.Type
	}
	assert.Equal(t, []LineType{
		BigLinearAddress, ExtendedLinearAddress, DataLine, // 8 bytes up to the window edge
		ExtendedLinearAddress, DataLine, // only the low 32 bits moved
		BigEntryPoint, StartLinearAddress, EndOfFile,
	}, types)
}

func TestDecode(t *testing.T) {
	var out bytes.Buffer
	e := NewEncoder(&out)
	first := bytes.Repeat([]byte{0x5a}, 100)
	require.NoError(t, e.Data(0x20_0000, first))
	require.NoError(t, e.Data(0xffff_ffff_8000_0000, []byte{1, 2, 3}))
	require.NoError(t, e.Entry(0x20_0040))
	require.NoError(t, e.Close())

	got := map[uint64][]byte{}
	var order []uint64
	entry, err := Decode(&out, func(addr uint64, data []byte) error {
		got[addr] = append([]byte(nil), data...)
		order = append(order, addr)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(0x20_0040), entry)
	assert.Equal(t, []uint64{0x20_0000, 0x20_0020, 0x20_0040, 0x20_0060, 0xffff_ffff_8000_0000}, order)
	assert.Equal(t, first[0x60:], got[0x20_0060])
	assert.Equal(t, []byte{1, 2, 3}, got[0xffff_ffff_8000_0000])
}

func TestDecodeFailures(t *testing.T) {
	store := func(uint64, []byte) error { return nil }
	_, err := Decode(strings.NewReader(":0B0010006164647265737320676170A7\n"), store)
	assert.Equal(t, ErrNoEOF, err)

	_, err = Decode(strings.NewReader(":020000021000EC\n:00000001FF\n"), store)
	assert.True(t, errors.Is(err, ErrSyntax), "segment addresses are not supported: %v", err)

	boom := errors.New("boom")
	_, err = Decode(strings.NewReader(":0B0010006164647265737320676170A7\n:00000001FF\n"),
		func(uint64, []byte) error { return boom })
	assert.True(t, errors.Is(err, boom))
}
