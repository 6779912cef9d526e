// Package demux drives a container provider: it reads compressed packets
// and routes each to the bounded queue of its stream, skipping damaged
// input until it becomes sustained.
//
// The central type is [Demuxer]. Its [Demuxer.Run] loop feeds one
// [queue.PacketQueue] per stream; [Demuxer.Seek] repositions the source and
// flushes every queue so decoders observe a new serial.
package demux
