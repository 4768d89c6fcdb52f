package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"veilchain/internal/chain"
	"veilchain/internal/mmr"
)

const (
	// maxFrameSize bounds a frame on the wire and its decompressed
	// message (16 MB each).
	maxFrameSize = 16 << 20

	// lengthPrefixSize is the size of the frame length prefix in bytes.
	lengthPrefixSize = 4

	// minEncodedHeader is the smallest possible encoded header: the
	// fixed fields with an empty difficulty. Used to bound the header
	// count a frame may claim.
	minEncodedHeader = 191
)

// Message kinds. A message is one kind byte followed by its body; the
// whole message is zstd-compressed into a length-prefixed frame.
const (
	kindMetadataReq uint8 = iota + 1
	kindMetadataResp
	kindSplitReq
	kindSplitResp
	kindHeadersReq
	kindHeadersResp
	kindBlockReq
	kindBlockResp
	kindProofReq
	kindProofResp

	kindError uint8 = 0xff
)

var errTruncated = errors.New("network: truncated message")

// writeFrame compresses a message and writes it length-prefixed.
func writeFrame(w io.Writer, kind uint8, body []byte) error {
	message := make([]byte, 0, 1+len(body))
	message = append(message, kind)
	message = append(message, body...)

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("create encoder:\n%w", err)
	}
	defer encoder.Close()

	payload := encoder.EncodeAll(message, nil)
	if len(payload) > maxFrameSize {
		return fmt.Errorf("frame too large: %d > %d", len(payload), maxFrameSize)
	}

	var lengthBuf [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(payload)))

	if _, err := w.Write(lengthBuf[:]); err != nil {
		return fmt.Errorf("write length:\n%w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write payload:\n%w", err)
	}

	return nil
}

// readFrame reads a length-prefixed frame and decompresses the message,
// returning its kind and body.
func readFrame(r io.Reader) (uint8, []byte, error) {
	var lengthBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return 0, nil, fmt.Errorf("read length:\n%w", err)
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length > maxFrameSize {
		return 0, nil, fmt.Errorf("frame too large: %d > %d", length, maxFrameSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("read payload:\n%w", err)
	}

	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxFrameSize))
	if err != nil {
		return 0, nil, fmt.Errorf("create decoder:\n%w", err)
	}
	defer decoder.Close()

	message, err := decoder.DecodeAll(payload, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("decompress message:\n%w", err)
	}
	if len(message) == 0 {
		return 0, nil, errTruncated
	}

	return message[0], message[1:], nil
}

// encodeSplitReq encodes a chain split probe request.
func encodeSplitReq(probes [][32]byte, count int) []byte {
	body := make([]byte, 0, 8+len(probes)*32)
	body = binary.LittleEndian.AppendUint32(body, uint32(len(probes)))
	for _, p := range probes {
		body = append(body, p[:]...)
	}

	return binary.LittleEndian.AppendUint32(body, uint32(count))
}

// decodeSplitReq decodes a chain split probe request.
func decodeSplitReq(body []byte) ([][32]byte, int, error) {
	if len(body) < 4 {
		return nil, 0, errTruncated
	}

	n := binary.LittleEndian.Uint32(body)
	body = body[4:]

	if uint64(len(body)) < uint64(n)*32+4 {
		return nil, 0, errTruncated
	}

	probes := make([][32]byte, n)
	for i := range probes {
		copy(probes[i][:], body[:32])
		body = body[32:]
	}

	return probes, int(binary.LittleEndian.Uint32(body)), nil
}

// encodeSplitResp encodes the split height and the headers following it.
func encodeSplitResp(splitHeight uint64, headers []*chain.BlockHeader) []byte {
	body := binary.LittleEndian.AppendUint64(nil, splitHeight)

	return append(body, encodeHeaders(headers)...)
}

// decodeSplitResp decodes a chain split response.
func decodeSplitResp(body []byte) (uint64, []*chain.BlockHeader, error) {
	if len(body) < 8 {
		return 0, nil, errTruncated
	}

	splitHeight := binary.LittleEndian.Uint64(body)

	headers, err := decodeHeaders(body[8:])
	if err != nil {
		return 0, nil, err
	}

	return splitHeight, headers, nil
}

// encodeHeadersReq encodes a header range request.
func encodeHeadersReq(start uint64, count int) []byte {
	body := binary.LittleEndian.AppendUint64(nil, start)

	return binary.LittleEndian.AppendUint32(body, uint32(count))
}

// decodeHeadersReq decodes a header range request.
func decodeHeadersReq(body []byte) (uint64, int, error) {
	if len(body) < 12 {
		return 0, 0, errTruncated
	}

	return binary.LittleEndian.Uint64(body), int(binary.LittleEndian.Uint32(body[8:])), nil
}

// encodeProofReq encodes an output inclusion proof request.
func encodeProofReq(leafIndex uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, leafIndex)
}

// decodeProofReq decodes an output inclusion proof request.
func decodeProofReq(body []byte) (uint32, error) {
	if len(body) < 4 {
		return 0, errTruncated
	}

	return binary.LittleEndian.Uint32(body), nil
}

// encodeProofResp encodes the leaf hash, the accumulator root the
// proof verifies against, and the proof itself.
func encodeProofResp(leafHash, root []byte, proof *mmr.Proof) []byte {
	body := make([]byte, 0, 64+len(proof.Siblings)*33)
	body = append(body, leafHash...)
	body = append(body, root...)

	body = binary.LittleEndian.AppendUint32(body, uint32(len(proof.Siblings)))
	for i, sibling := range proof.Siblings {
		if proof.Lefts[i] {
			body = append(body, 1)
		} else {
			body = append(body, 0)
		}
		body = append(body, sibling...)
	}

	body = appendHashList(body, proof.PeaksBefore)

	return appendHashList(body, proof.PeaksAfter)
}

// decodeProofResp decodes an output inclusion proof response.
func decodeProofResp(body []byte) ([]byte, []byte, *mmr.Proof, error) {
	if len(body) < 64+4 {
		return nil, nil, nil, errTruncated
	}

	leafHash := append([]byte{}, body[:32]...)
	root := append([]byte{}, body[32:64]...)
	body = body[64:]

	n := binary.LittleEndian.Uint32(body)
	body = body[4:]

	if uint64(len(body)) < uint64(n)*33 {
		return nil, nil, nil, errTruncated
	}

	proof := &mmr.Proof{}
	for i := uint32(0); i < n; i++ {
		proof.Lefts = append(proof.Lefts, body[0] == 1)
		proof.Siblings = append(proof.Siblings, append([]byte{}, body[1:33]...))
		body = body[33:]
	}

	var err error
	if proof.PeaksBefore, body, err = readHashList(body); err != nil {
		return nil, nil, nil, err
	}
	if proof.PeaksAfter, _, err = readHashList(body); err != nil {
		return nil, nil, nil, err
	}

	return leafHash, root, proof, nil
}

// appendHashList appends a count-prefixed list of 32-byte hashes.
func appendHashList(body []byte, hashes [][]byte) []byte {
	body = binary.LittleEndian.AppendUint32(body, uint32(len(hashes)))
	for _, h := range hashes {
		body = append(body, h...)
	}

	return body
}

// readHashList reads a count-prefixed list of 32-byte hashes,
// returning the remaining bytes.
func readHashList(body []byte) ([][]byte, []byte, error) {
	if len(body) < 4 {
		return nil, nil, errTruncated
	}

	n := binary.LittleEndian.Uint32(body)
	body = body[4:]

	if uint64(len(body)) < uint64(n)*32 {
		return nil, nil, errTruncated
	}

	hashes := make([][]byte, 0, n)
	for i := uint32(0); i < n; i++ {
		hashes = append(hashes, append([]byte{}, body[:32]...))
		body = body[32:]
	}

	return hashes, body, nil
}

// encodeHeaders encodes a count-prefixed header list.
func encodeHeaders(headers []*chain.BlockHeader) []byte {
	body := binary.LittleEndian.AppendUint32(nil, uint32(len(headers)))
	for _, h := range headers {
		body = append(body, h.Encode()...)
	}

	return body
}

// decodeHeaders decodes a count-prefixed header list.
func decodeHeaders(body []byte) ([]*chain.BlockHeader, error) {
	if len(body) < 4 {
		return nil, errTruncated
	}

	n := binary.LittleEndian.Uint32(body)
	body = body[4:]

	if uint64(n)*minEncodedHeader > uint64(len(body)) {
		return nil, errTruncated
	}

	headers := make([]*chain.BlockHeader, 0, n)
	for i := uint32(0); i < n; i++ {
		header, rest, err := chain.DecodeHeader(body)
		if err != nil {
			return nil, err
		}

		headers = append(headers, header)
		body = rest
	}

	return headers, nil
}
