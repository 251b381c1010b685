// Package redirect pumps bytes from one descriptor to another until the source reaches EOF, the target fails, or the pump is aborted.
//
// Each wait is a poll(2) over the data descriptor and the read end of a private abort pipe, so an abort wakes a pump that is blocked waiting for input that may never come. When both are ready in the same round the abort wins.
// The descriptors are left in whatever blocking mode they arrived in, since they may be shared with processes outside this one.
package redirect
