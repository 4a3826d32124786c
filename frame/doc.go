// Package frame implements the text-header framing shared by every transport.
//
// A frame is a block of ASCII "KEY:VALUE\n" lines terminated by a blank line,
// followed by exactly LEN bytes of body:
//
//	VER:1
//	PVER:251
//	LEN:17
//	ENC:4-a1b2c3
//
//	{"_msgtype":"hi"}
//
// VER and LEN are required on every frame. PVER is written only on the first frame a
// transport sends in its lifetime. ENC carries "<cipher-type>-<cipher header>" when
// the body is encrypted, and CMP carries "<codec>-<original length>" when it is
// compressed.
//
// Stream transports feed arbitrary chunks into a Decoder and call Next until it
// reports that more input is needed; datagram and request-response transports use
// DecodeOne because each physical unit holds exactly one frame.
package frame
