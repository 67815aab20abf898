// Package watch pushes anchor chain tails to websocket subscribers.
//
// A client connects with the anchor.watch.v1 subprotocol, subscribes to one or
// more chains by authority key identifier, and receives a tail_new envelope for
// every append the Service accepts afterwards. The Hub is registered as an
// anchoring.Observer; fanout never blocks the append path and drops envelopes
// for subscribers whose send queue is full. Subscribers that fall behind can
// resynchronize with tail_fetch.
package watch
