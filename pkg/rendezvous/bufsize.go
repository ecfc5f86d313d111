package rendezvous

// BufferSize bounds a single message's read/write buffer and, on Unix,
// the socket's SO_SNDBUF/SO_RCVBUF, matching the original's
// MAXIMUM_BUF_SIZE send/recv buffer tuning. Exposed as a var (not a
// const) so bus.Config.SocketBufferSize can retune it before the first
// Join.
var BufferSize = 64 << 10
