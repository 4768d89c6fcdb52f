package network

import (
	"bytes"
	"encoding/binary"
	"math/big"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"veilchain/internal/chain"
	"veilchain/internal/mmr"
)

// testHeaders builds n distinct linked headers for codec tests.
func testHeaders(n int) []*chain.BlockHeader {
	headers := make([]*chain.BlockHeader, 0, n)

	prev := blake3.Sum256([]byte("anchor"))
	for i := 0; i < n; i++ {
		h := &chain.BlockHeader{
			Version:         chain.HeaderVersion,
			Height:          uint64(i) + 1,
			PrevHash:        prev,
			Timestamp:       1735689600 + uint64(i)*120,
			OutputRoot:      blake3.Sum256([]byte{byte(i), 1}),
			RangeProofRoot:  blake3.Sum256([]byte{byte(i), 2}),
			KernelRoot:      blake3.Sum256([]byte{byte(i), 3}),
			TotalDifficulty: big.NewInt(int64(i)*1000 + 1),
			Nonce:           uint64(i) * 7,
			PowAlgo:         chain.PowAlgoBlake3,
		}

		headers = append(headers, h)
		prev = h.Hash()
	}

	return headers
}

// TestFrameRoundTrip tests writing and reading a compressed frame.
func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	body := bytes.Repeat([]byte("header data "), 512)
	if err := writeFrame(&buf, kindHeadersResp, body); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	kind, got, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if kind != kindHeadersResp {
		t.Fatalf("kind %d, want %d", kind, kindHeadersResp)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("frame body corrupted in transit")
	}
}

// TestFrameEmptyBody tests a frame carrying only its kind byte.
func TestFrameEmptyBody(t *testing.T) {
	var buf bytes.Buffer

	if err := writeFrame(&buf, kindMetadataReq, nil); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	kind, body, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if kind != kindMetadataReq {
		t.Fatalf("kind %d, want %d", kind, kindMetadataReq)
	}
	if len(body) != 0 {
		t.Fatalf("body length %d, want 0", len(body))
	}
}

// TestReadFrameTruncated tests that a cut-off stream is an error.
func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer

	if err := writeFrame(&buf, kindBlockReq, []byte("payload")); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	raw := buf.Bytes()
	for _, n := range []int{0, 2, len(raw) - 1} {
		if _, _, err := readFrame(bytes.NewReader(raw[:n])); err == nil {
			t.Fatalf("reading %d of %d bytes must fail", n, len(raw))
		}
	}
}

// TestReadFrameOversize tests the frame size limit.
func TestReadFrameOversize(t *testing.T) {
	raw := []byte{0xff, 0xff, 0xff, 0xff}

	if _, _, err := readFrame(bytes.NewReader(raw)); err == nil {
		t.Fatalf("oversize length prefix must be rejected")
	}
}

// TestReadFrameDecompressionBomb tests that a small frame expanding
// past the message size limit is rejected.
func TestReadFrameDecompressionBomb(t *testing.T) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("create encoder: %v", err)
	}
	defer encoder.Close()

	payload := encoder.EncodeAll(make([]byte, maxFrameSize+1), nil)

	frame := binary.BigEndian.AppendUint32(nil, uint32(len(payload)))
	frame = append(frame, payload...)

	if _, _, err := readFrame(bytes.NewReader(frame)); err == nil {
		t.Fatalf("decompression bomb must be rejected")
	}
}

// TestSplitReqRoundTrip tests the chain split request codec.
func TestSplitReqRoundTrip(t *testing.T) {
	probes := [][32]byte{
		blake3.Sum256([]byte("tip")),
		blake3.Sum256([]byte("mid")),
		blake3.Sum256([]byte("genesis")),
	}

	gotProbes, gotCount, err := decodeSplitReq(encodeSplitReq(probes, 100))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if gotCount != 100 {
		t.Fatalf("count %d, want 100", gotCount)
	}
	if len(gotProbes) != len(probes) {
		t.Fatalf("probe count %d, want %d", len(gotProbes), len(probes))
	}
	for i := range probes {
		if gotProbes[i] != probes[i] {
			t.Fatalf("probe %d corrupted", i)
		}
	}
}

// TestSplitReqTruncated tests rejection of short split requests.
func TestSplitReqTruncated(t *testing.T) {
	raw := encodeSplitReq([][32]byte{blake3.Sum256([]byte("tip"))}, 10)

	for _, n := range []int{0, 3, 10, len(raw) - 1} {
		if _, _, err := decodeSplitReq(raw[:n]); err == nil {
			t.Fatalf("decode of %d bytes must fail", n)
		}
	}
}

// TestSplitRespRoundTrip tests the chain split response codec.
func TestSplitRespRoundTrip(t *testing.T) {
	headers := testHeaders(4)

	splitHeight, got, err := decodeSplitResp(encodeSplitResp(17, headers))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if splitHeight != 17 {
		t.Fatalf("split height %d, want 17", splitHeight)
	}
	if len(got) != len(headers) {
		t.Fatalf("header count %d, want %d", len(got), len(headers))
	}
	for i := range headers {
		if got[i].Hash() != headers[i].Hash() {
			t.Fatalf("header %d corrupted", i)
		}
		if got[i].TotalDifficulty.Cmp(headers[i].TotalDifficulty) != 0 {
			t.Fatalf("header %d difficulty corrupted", i)
		}
	}
}

// TestHeadersReqRoundTrip tests the header range request codec.
func TestHeadersReqRoundTrip(t *testing.T) {
	start, count, err := decodeHeadersReq(encodeHeadersReq(4200, 100))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if start != 4200 || count != 100 {
		t.Fatalf("got start %d count %d, want 4200 and 100", start, count)
	}

	if _, _, err := decodeHeadersReq([]byte{1, 2, 3}); err == nil {
		t.Fatalf("truncated request must fail")
	}
}

// TestHeadersRoundTrip tests the header list codec, including the
// empty list.
func TestHeadersRoundTrip(t *testing.T) {
	headers := testHeaders(7)

	got, err := decodeHeaders(encodeHeaders(headers))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != len(headers) {
		t.Fatalf("header count %d, want %d", len(got), len(headers))
	}
	for i := range headers {
		if got[i].Hash() != headers[i].Hash() || got[i].Nonce != headers[i].Nonce {
			t.Fatalf("header %d corrupted", i)
		}
	}

	empty, err := decodeHeaders(encodeHeaders(nil))
	if err != nil {
		t.Fatalf("decode empty: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("empty list decoded to %d headers", len(empty))
	}
}

// TestProofReqRoundTrip tests the inclusion proof request codec.
func TestProofReqRoundTrip(t *testing.T) {
	leafIndex, err := decodeProofReq(encodeProofReq(42))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if leafIndex != 42 {
		t.Fatalf("leaf index %d, want 42", leafIndex)
	}

	if _, err := decodeProofReq([]byte{1, 2}); err == nil {
		t.Fatalf("truncated request must fail")
	}
}

// TestProofRespRoundTrip tests that an inclusion proof survives the
// wire codec and still verifies.
func TestProofRespRoundTrip(t *testing.T) {
	acc := mmr.New()

	leaves := make([][32]byte, 7)
	for i := range leaves {
		leaves[i] = blake3.Sum256([]byte{byte(i)})
		if _, err := acc.Push(leaves[i][:]); err != nil {
			t.Fatalf("push leaf %d: %v", i, err)
		}
	}

	proof, err := acc.GenerateProof(3)
	if err != nil {
		t.Fatalf("generate proof: %v", err)
	}

	raw := encodeProofResp(leaves[3][:], acc.Root(), proof)

	leafHash, root, decoded, err := decodeProofResp(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(leafHash, leaves[3][:]) {
		t.Fatalf("leaf hash corrupted")
	}
	if err := decoded.Verify(root, leafHash); err != nil {
		t.Fatalf("decoded proof must verify: %v", err)
	}

	for _, n := range []int{0, 40, 67, len(raw) - 1} {
		if _, _, _, err := decodeProofResp(raw[:n]); err == nil {
			t.Fatalf("decode of %d bytes must fail", n)
		}
	}
}

// TestDecodeHeadersHugeCount tests that a header list claiming more
// entries than its bytes could hold is rejected before anything is
// allocated.
func TestDecodeHeadersHugeCount(t *testing.T) {
	body := binary.LittleEndian.AppendUint32(nil, ^uint32(0))
	body = append(body, 0)

	if _, err := decodeHeaders(body); err == nil {
		t.Fatalf("oversized header count must be rejected")
	}
}

// TestDecodeHeadersTruncated tests rejection of cut-off header lists.
func TestDecodeHeadersTruncated(t *testing.T) {
	raw := encodeHeaders(testHeaders(2))

	for _, n := range []int{0, 3, 10, len(raw) - 1} {
		if _, err := decodeHeaders(raw[:n]); err == nil {
			t.Fatalf("decode of %d bytes must fail", n)
		}
	}
}
