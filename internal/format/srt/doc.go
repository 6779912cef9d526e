// Package srt provides live transport stream sources received over SRT
// (Secure Reliable Transport), in caller mode dialing a remote listener or
// in listener mode accepting one incoming publish connection.
//
//	srt://encoder.example:9000?streamid=live/cam1
//	srt://:9000?mode=listener
package srt
