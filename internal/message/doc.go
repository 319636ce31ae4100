// Package message defines the closed set of envelopes carried by a
// Transport, discriminated by a type tag. Each message kind is one concrete
// struct; the union is only opened in two places: Encode when a transport
// serializes, and Decode when a transport dispatches on receive, both of
// which match exhaustively.
package message
