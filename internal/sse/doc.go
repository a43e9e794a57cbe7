// Package sse decodes and encodes the server-sent event streams used for
// streaming completions.
//
// Two payload vocabularies are understood. The provider vocabulary is the
// OpenAI-compatible chunk shape, where text lives at choices[0].delta.content
// and the stream ends with a literal "data: [DONE]" line. The normalized
// vocabulary is what the local proxy emits: every frame carries a type tag of
// text_delta, content, usage, error or done.
//
// Decoding is incremental. Decoder.Feed accepts chunks split at arbitrary
// byte offsets and only interprets complete lines, so the events produced for
// a byte sequence do not depend on how it was chunked. Frames whose JSON does
// not parse are counted and skipped; they never end the stream.
//
// Events are a closed set of types (TextDelta, Content, UsageReport, Error,
// Done) meant to be matched with a type switch.
package sse
