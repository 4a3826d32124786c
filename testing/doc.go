// Package testing provides an in-memory server for deterministic tests of
// transports and sessions.
//
// # Overview
//
// SimServer hands out transport.Link implementations that connect to scripted
// server-side connections instead of sockets. Tests drive the server side
// explicitly: they wait for a connection, read the frames the client wrote and
// push replies back, while the client side runs the real transport state
// machine.
//
// # Usage
//
//	srv := simnet.NewServer(simnet.ServerConfig{Encoding: message.EncodingJSON})
//
//	opts := transport.DefaultOptions(transport.TCP)
//	opts.Addresses = []transport.Address{{Host: "sim", Port: 8012}}
//	opts.LinkFactory = srv.LinkFactory()
//	tr, _ := transport.New(transport.TCP, message.EncodingJSON, opts)
//	tr.Start()
//	tr.Update(0)
//
//	conn, _ := srv.Accept(time.Second)
//	probe, _ := conn.ReadMessage(time.Second)  // empty bootstrap probe
//	conn.SendMessage(&message.Message{SID: "ABC123"})
//
// # Delivery Logs
//
// Every physical write a client performs is recorded as a DeliveryRecord.
// Stream links record one entry per flush, which lets tests verify the write
// batching of the send pipeline.
//
// # Thread Safety
//
// Server and Conn methods are safe for concurrent use; the client side of a
// connection follows the transport.Link contract of one reader and one writer.
package testing
