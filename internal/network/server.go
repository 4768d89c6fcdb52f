package network

import (
	"errors"
	"fmt"

	"veilchain/internal/chain"
	"veilchain/internal/logger"
)

// maxServedHeaders caps a single header response regardless of what
// the client asked for.
const maxServedHeaders = 500

// handleRequest answers one sync protocol request from the chain
// store.
func (n *Node) handleRequest(kind uint8, body []byte) (uint8, []byte) {
	switch kind {
	case kindMetadataReq:
		return kindMetadataResp, n.store.Metadata().Encode()

	case kindSplitReq:
		return n.handleSplit(body)

	case kindHeadersReq:
		return n.handleHeaders(body)

	case kindBlockReq:
		return n.handleBlock(body)

	case kindProofReq:
		return n.handleProof(body)

	default:
		return kindError, fmt.Appendf(nil, "unknown request kind %d", kind)
	}
}

// handleSplit resolves the highest probe hash present on the local
// chain and returns its height with the headers following it. Probes
// arrive tip-first, so the first hit is the fork point.
func (n *Node) handleSplit(body []byte) (uint8, []byte) {
	probes, count, err := decodeSplitReq(body)
	if err != nil {
		return kindError, []byte(err.Error())
	}

	if count > maxServedHeaders {
		count = maxServedHeaders
	}

	for _, probe := range probes {
		header, err := n.store.HeaderByHash(probe)
		if err != nil {
			if errors.Is(err, chain.ErrHeaderNotFound) {
				continue
			}

			logger.Error("split lookup failed", "error", err)

			return kindError, []byte("internal error")
		}

		headers, err := n.store.HeadersInRange(header.Height+1, count)
		if err != nil {
			logger.Error("split headers failed", "error", err)

			return kindError, []byte("internal error")
		}

		return kindSplitResp, encodeSplitResp(header.Height, headers)
	}

	return kindError, []byte("no common block found")
}

// handleHeaders serves a header range.
func (n *Node) handleHeaders(body []byte) (uint8, []byte) {
	start, count, err := decodeHeadersReq(body)
	if err != nil {
		return kindError, []byte(err.Error())
	}

	if count > maxServedHeaders {
		count = maxServedHeaders
	}

	headers, err := n.store.HeadersInRange(start, count)
	if err != nil {
		logger.Error("header range failed", "error", err)

		return kindError, []byte("internal error")
	}

	return kindHeadersResp, encodeHeaders(headers)
}

// handleBlock serves a full block by header hash.
func (n *Node) handleBlock(body []byte) (uint8, []byte) {
	if len(body) != 32 {
		return kindError, []byte("bad block hash")
	}

	var hash [32]byte
	copy(hash[:], body)

	block, err := n.store.BlockByHash(hash)
	if err != nil {
		return kindError, []byte(err.Error())
	}

	raw, err := chain.EncodeBlock(block)
	if err != nil {
		logger.Error("block encode failed", "error", err)

		return kindError, []byte("internal error")
	}

	return kindBlockResp, raw
}

// handleProof serves an output inclusion proof for a live leaf.
func (n *Node) handleProof(body []byte) (uint8, []byte) {
	leafIndex, err := decodeProofReq(body)
	if err != nil {
		return kindError, []byte(err.Error())
	}

	proof, leafHash, root, err := n.store.OutputProof(leafIndex)
	if err != nil {
		return kindError, []byte(err.Error())
	}

	return kindProofResp, encodeProofResp(leafHash, root, proof)
}
