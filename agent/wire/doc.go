/*
Package wire defines the envelope that every message on the executor bus travels in, and the framing used to put envelopes on the socket.

An envelope is one of three kinds:

  - Request: a method call on an object path, carrying a serial number chosen by the caller.
  - Response: the reply to a request, matched by ReplySerial, carrying either a body or an error name.
  - Signal: an unsolicited event emitted by the server for an object path (for example "Completed").

Bodies are CBOR-encoded parameter structs kept as raw bytes so that the envelope can be decoded before the method is known.
File descriptors never appear in the bytes: FDs records how many descriptors were attached out of band to the same datagram.

A frame is a 4-byte big-endian payload length followed by the CBOR encoding of the envelope.
Decode reports ErrIncomplete when the buffer does not yet hold a whole frame, so stream readers can buffer and retry.
*/
package wire
