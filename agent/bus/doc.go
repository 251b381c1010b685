/*
Package bus is the transport under the executor protocol: a Unix-domain SOCK_SEQPACKET socket that carries one message per datagram, with file descriptors attached to the same datagram as SCM_RIGHTS control messages.

Sequenced packets keep message boundaries, so a message and its descriptors are delivered together or the read fails; there is no byte position at which ancillary data could be split from the frame it belongs to.

Ownership rules:

  - Files passed to Send stay owned by the caller; the kernel duplicates them into the receiver.
  - Files returned by Receive are owned by the caller, which must close them.

Dial failures caused by a missing socket or a refused connection wrap ErrUnavailable so that callers can tell "no daemon" apart from protocol failures.
*/
package bus
