package torrentkit

import "github.com/torrentkit/core/peerprotocol"

func chokeMessage() peerprotocol.Message   { return peerprotocol.Message{ID: peerprotocol.Choke} }
func unchokeMessage() peerprotocol.Message { return peerprotocol.Message{ID: peerprotocol.Unchoke} }
func interestedMessage() peerprotocol.Message {
	return peerprotocol.Message{ID: peerprotocol.Interested}
}
func notInterestedMessage() peerprotocol.Message {
	return peerprotocol.Message{ID: peerprotocol.NotInterested}
}

func requestMessageOf(index, begin int, length uint32) peerprotocol.Message {
	return peerprotocol.Message{ID: peerprotocol.Request, Index: uint32(index), Begin: uint32(begin), Length: length}
}

func cancelMessageOf(index, begin int, length uint32) peerprotocol.Message {
	return peerprotocol.Message{ID: peerprotocol.Cancel, Index: uint32(index), Begin: uint32(begin), Length: length}
}

func pieceMessageOf(index, begin int, block []byte) peerprotocol.Message {
	return peerprotocol.Message{ID: peerprotocol.Piece, Index: uint32(index), Begin: uint32(begin), Piece: block}
}
