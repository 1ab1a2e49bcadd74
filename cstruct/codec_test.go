package cstruct

import (
	"reflect"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testFile struct {
	Filename   string `native:"str"`
	ID         string `native:"str"`
	Compressed bool   `native:"bool"`
}

type testOptions struct {
	Locale   string `native:"str,opt"`
	Strength int32  `native:"i32"`
	Wide     bool   `native:"bool32"`
}

type testRequest struct {
	Name    string       `native:"str"`
	Query   string       `native:"str,opt"`
	Explain bool         `native:"bool"`
	Skip    int32        `native:"i32"`
	Nextrun uint64       `native:"u64"`
	Delta   int64        `native:"i64"`
	Ratio   float64      `native:"f64"`
	Options *testOptions `native:"ref"`
	Ids     []string     `native:"strs,nullterm"`
	Files   []testFile   `native:"refs"`
	_       int32        `native:"len=Files"`
	Tags    []string     `native:"strs"`
	Handle  uintptr      `native:"ptr"`
	_       int32        `native:"len=Tags"`
	Note    string       `native:"-"`
}

type untagged struct {
	Name string `native:"str"`
	Size int32
}

type wrongKind struct {
	Name int32 `native:"str"`
}

type looseArray struct {
	Ids []string `native:"strs"`
}

// TEST601: Test encode then decode returns an equal record for every field kind
func TestRoundTripAllKinds(t *testing.T) {
	in := testRequest{
		Name:    "entities",
		Query:   `{"name":"x"}`,
		Explain: true,
		Skip:    -7,
		Nextrun: 1 << 40,
		Delta:   -1 << 33,
		Ratio:   0.25,
		Options: &testOptions{Locale: "da", Strength: 2, Wide: true},
		Ids:     []string{"a", "b", "c"},
		Files: []testFile{
			{Filename: "one.txt", ID: "1", Compressed: true},
			{Filename: "two.txt", ID: "2"},
		},
		Tags:   []string{"x", ""},
		Handle: 0xdead,
	}

	a := NewArena()
	defer a.Free()
	p, err := Encode(a, &in)
	require.NoError(t, err)

	var out testRequest
	require.NoError(t, Decode(p, &out))
	assert.Equal(t, in, out)
}

// TEST602: Test nil ref and empty counted arrays encode as NULL, an empty terminated array as a lone sentinel
func TestRoundTripEmpty(t *testing.T) {
	in := testRequest{Name: "n"}
	a := NewArena()
	defer a.Free()
	p, err := Encode(a, in)
	require.NoError(t, err)

	l, err := LayoutFor(in)
	require.NoError(t, err)
	for _, name := range []string{"Query", "Options", "Files", "Tags"} {
		off, ok := l.Offset(name)
		require.True(t, ok, name)
		assert.Nil(t, loadPtr(unsafe.Add(p, off)), name)
	}
	off, _ := l.Offset("Ids")
	ids := loadPtr(unsafe.Add(p, off))
	require.NotNil(t, ids)
	assert.Nil(t, loadPtr(ids))

	var out testRequest
	require.NoError(t, Decode(p, &out))
	assert.Equal(t, in, out)
}

// TEST603: Test a non-opt empty string is encoded as a real empty C string
func TestEmptyStringNotNull(t *testing.T) {
	a := NewArena()
	defer a.Free()
	p, err := Encode(a, testFile{})
	require.NoError(t, err)
	s := loadPtr(p)
	require.NotNil(t, s)
	assert.Equal(t, byte(0), *(*byte)(s))
}

// TEST604: Test layout follows C natural alignment and padding
func TestLayoutOffsets(t *testing.T) {
	l, err := LayoutOf(reflect.TypeOf(testOptions{}))
	require.NoError(t, err)
	off, _ := l.Offset("Locale")
	assert.Equal(t, uintptr(0), off)
	off, _ = l.Offset("Strength")
	assert.Equal(t, ptrSize, off)
	off, _ = l.Offset("Wide")
	assert.Equal(t, ptrSize+4, off)
	assert.Equal(t, 2*ptrSize, l.Size())
	assert.Equal(t, ptrSize, l.Align())

	f, err := LayoutOf(reflect.TypeOf(testFile{}))
	require.NoError(t, err)
	off, _ = f.Offset("Compressed")
	assert.Equal(t, 2*ptrSize, off)
	assert.Equal(t, 3*ptrSize, f.Size())
}

// TEST605: Test bool fields use one byte and any non-zero byte decodes as true
func TestBoolWidth(t *testing.T) {
	type flags struct {
		A bool  `native:"bool"`
		B bool  `native:"bool"`
		N int32 `native:"i32"`
	}
	l, err := LayoutOf(reflect.TypeOf(flags{}))
	require.NoError(t, err)
	off, _ := l.Offset("B")
	assert.Equal(t, uintptr(1), off)
	off, _ = l.Offset("N")
	assert.Equal(t, uintptr(4), off)

	a := NewArena()
	defer a.Free()
	p, err := Encode(a, flags{A: true})
	require.NoError(t, err)
	assert.Equal(t, uint8(1), *(*uint8)(p))
	*(*uint8)(unsafe.Add(p, 1)) = 0x7f

	var out flags
	require.NoError(t, Decode(p, &out))
	assert.True(t, out.A)
	assert.True(t, out.B)
}

// TEST606: Test the count slot carries the slice length and the terminated array ends with NULL
func TestArrayCountsAndTerminator(t *testing.T) {
	in := testRequest{Ids: []string{"a", "b"}, Files: []testFile{{Filename: "f"}}}
	a := NewArena()
	defer a.Free()
	p, err := Encode(a, &in)
	require.NoError(t, err)

	l, _ := LayoutFor(in)
	var counts []int32
	for _, f := range l.fields {
		if f.kind == kindLen {
			counts = append(counts, *(*int32)(unsafe.Add(p, f.offset)))
		}
	}
	assert.Equal(t, []int32{1, 0}, counts)

	off, _ := l.Offset("Ids")
	arr := loadPtr(unsafe.Add(p, off))
	assert.Equal(t, "a", GoString(loadPtr(arr)))
	assert.Equal(t, "b", GoString(loadPtr(unsafe.Add(arr, ptrSize))))
	assert.Nil(t, loadPtr(unsafe.Add(arr, 2*ptrSize)))
}

// TEST607: Test every sub-allocation of a record is owned by the arena until Free
func TestArenaOwnsSubAllocations(t *testing.T) {
	a := NewArena()
	_, err := Encode(a, testRequest{Name: "n", Ids: []string{"a", "b", "c"}})
	require.NoError(t, err)
	// record, name, id array, three ids
	assert.Equal(t, 6, a.Len())
	assert.NotZero(t, a.Bytes())

	a.Free()
	a.Free()
	assert.True(t, a.Freed())
	assert.Equal(t, 0, a.Len())
	assert.Panics(t, func() { a.Alloc(8) })
}

func TestLayoutRejectsUntaggedField(t *testing.T) {
	_, err := LayoutOf(reflect.TypeOf(untagged{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Size")
}

func TestLayoutRejectsKindMismatch(t *testing.T) {
	_, err := LayoutOf(reflect.TypeOf(wrongKind{}))
	require.Error(t, err)
}

func TestLayoutRejectsArrayWithoutCount(t *testing.T) {
	_, err := LayoutOf(reflect.TypeOf(looseArray{}))
	require.Error(t, err)
}

func TestEncodeRejectsEmbeddedNUL(t *testing.T) {
	a := NewArena()
	defer a.Free()
	_, err := Encode(a, testFile{Filename: "a\x00b"})
	assert.ErrorIs(t, err, ErrEmbeddedNUL)
}

func TestDecodeNil(t *testing.T) {
	var out testFile
	assert.ErrorIs(t, Decode(nil, &out), ErrNilRecord)
	assert.Error(t, Decode(unsafe.Pointer(&out), out))
}

func TestDecodeRejectsNullArrayWithCount(t *testing.T) {
	a := NewArena()
	defer a.Free()
	p, err := Encode(a, testRequest{Files: []testFile{{}}})
	require.NoError(t, err)
	l, _ := LayoutFor(testRequest{})
	off, _ := l.Offset("Files")
	storePtr(unsafe.Add(p, off), nil)

	var out testRequest
	assert.Error(t, Decode(p, &out))
}

func TestPointerAddrRoundTrip(t *testing.T) {
	a := NewArena()
	defer a.Free()
	p, err := CString(a, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", GoString(Pointer(Addr(p))))
	assert.Equal(t, "", GoString(nil))
}
