/*
Package surfrpc is an encrypted, bidirectional
remote-procedure and message channel between one
privileged host process and any number of untrusted
UI-surface peers, over persistent message-oriented TCP
sockets.

Either side can declare named operations. The host (and
symmetrically, a peer) registers request handlers
("procedures") the other side can call; either side can
publish fire-and-forget named messages with zero or more
subscribers; and every outstanding call settles exactly
once: success, application error, or timeout.

Payloads in transit are confidentiality- and
integrity-protected per connection: each peer has its own
symmetric key (handed in from an external peer registry;
surfrpc never generates or exchanges keys), and every
packet travels inside an AEAD envelope with a fresh
random nonce. Compromise of one peer's key exposes only
that peer's own channel.

The host binds the first free TCP port in [50000, 65535]
and exposes it via GetBoundPort for whatever out-of-band
discovery handoff delivers it to the peer side.

Start with NewHost + Host.Start + Host.ProvideKey on the
privileged side, and NewPeer on the other. See the tests
for complete round-trip, timeout, and broadcast examples.
*/
package surfrpc
