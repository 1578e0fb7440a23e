// Package resource fetches protected binary resources, such as evidence
// images, that cannot be loaded by handing a URL to a renderer because the
// request needs a bearer token.
//
// A Loader serves one mounted consumer. It fetches its source with the
// current access token, turns the bytes into a local Handle through a
// Materializer and keeps at most one handle alive. Changing the source or
// the access token starts a new generation: the previous transfer is
// aborted and whatever it produces is dropped, so a consumer never displays
// the result of a superseded source. Close releases everything.
package resource
