package torrentkit

// This file defines the boundary the core consumes but never implements:
// transport sockets, content storage, and session persistence. Each call
// is asynchronous — the core enqueues work and observes completion events
// on a later tick (spec.md §5/§6); nothing here blocks the tick goroutine.

// TcpSocket is a single established, already-handshaken peer connection.
type TcpSocket interface {
	Send(b []byte)
	Close()
}

// UdpSocket is a bound datagram endpoint (DHT/uTP signalling lives above
// the core; the core only needs send/close here).
type UdpSocket interface {
	SendTo(dst string, b []byte)
	Close()
}

// TcpListener accepts inbound peer connections.
type TcpListener interface {
	Close()
}

// SocketFactory is how the core asks the host environment to open
// transport endpoints, without depending on net.Conn directly (the host
// may be a mobile runtime bridging to a platform socket API).
type SocketFactory interface {
	ConnectTCP(endpoint string) (TcpSocket, error)
	BindUDP(port int) (UdpSocket, error)
	ListenTCP(port int) (TcpListener, error)
	// SetBackpressure toggles whether the transport should keep delivering
	// on_data callbacks; the engine calls this from check_backpressure
	// (spec.md §5 HIGH_WATER/LOW_WATER hysteresis).
	SetBackpressure(active bool)
}

// StorageWriteResult is the completion event for ContentStorage.WriteVerified.
type StorageWriteResult struct {
	BytesWritten int
	HashMismatch bool
	Err          error
}

// StorageReadResult is the completion event for ContentStorage.Read.
type StorageReadResult struct {
	Data []byte
	Err  error
}

// ContentStorage is the on-disk (or platform-provided) backing store for
// torrent content. Writes carry the expected SHA-1 so the storage layer
// (which may be running on its own worker goroutine) can verify without a
// round trip back into the core before reporting success.
type ContentStorage interface {
	WriteVerified(rootKey, path string, offset int64, data []byte, expectedSHA1 [20]byte, done func(StorageWriteResult))
	Read(rootKey, path string, offset int64, length int, done func(StorageReadResult))
}

// SessionStore is the minimal key-value contract the core uses to persist
// and restore torrent/session state between process runs.
type SessionStore interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Keys(prefix string) ([]string, error)
}

// TorrentStateEvent is the upward-facing snapshot emitted at most once per
// tick per torrent (spec.md §6).
type TorrentStateEvent struct {
	InfoHash          [20]byte
	Name              string
	TotalBytes        int64
	DownloadedBytes   int64
	UploadBytes       int64
	DownloadRateBps   float64
	UploadRateBps     float64
	PieceHaveBitfield []byte
	ActivePieceIndices []int
	PeerCount         int
	SeedCount         int
	ETASeconds        float64
}
