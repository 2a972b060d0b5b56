// Package media implements the upload pipeline that attaches files to
// outgoing messages.
//
// Each file moves through a fixed state machine:
//
//	Selected -> SlotRequested -> Transferring -> Confirmed
//	                                          -> Failed
//
// Selection validates the file against per-category size ceilings
// before any network call. A batch slot request then obtains one
// server-issued destination and identifier per file; the identifier is
// the file's addressable identity from that point on. The binary is
// transferred to the destination with incremental progress, and a
// final confirmation call makes the identifiers eligible for message
// attachment. A failing file never affects its siblings.
//
// Messages reference media purely by confirmed identifiers; the
// pipeline's Gate check lets the compose action verify that every
// referenced identifier is confirmed before a send.
//
// Example:
//
//	pipe := media.NewPipeline(api, uploader)
//	up, err := pipe.Select(media.File{Name: "cat.png", MimeType: "image/png", Size: n, Open: open})
//	if err != nil {
//	    // oversized or empty; surface per-file
//	}
//	pipe.OnProgress(func(key string, pct int) { render(key, pct) })
//	if err := pipe.RequestSlots(ctx); err == nil {
//	    pipe.TransferAll(ctx)
//	    pipe.Confirm(ctx)
//	}
//	_ = up
package media
