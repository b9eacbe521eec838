package peersync

import "encoding/base64"

// Storage key layout. Identities are base64 public keys and may contain
// slashes, so they are re-encoded URL-safe before entering a key path.

func escapeID(identity string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(identity))
}

func friendKey(identity string) string {
	return "friend/" + escapeID(identity)
}

func requestKey(requestID string) string {
	return "friendreq/" + requestID
}

func followKey(identity string) string {
	return "follow/" + escapeID(identity)
}

// pairPrefix is shared by both directions of a conversation: the two
// escaped identities in lexicographic order.
func pairPrefix(a, b string) string {
	ea, eb := escapeID(a), escapeID(b)
	if ea > eb {
		ea, eb = eb, ea
	}
	return "msg/" + ea + "~" + eb + "/"
}

func messageKey(a, b, messageID string) string {
	return pairPrefix(a, b) + messageID
}

func outboxPrefix(identity string) string {
	return "outbox/" + escapeID(identity) + "/"
}

func outboxKey(identity, itemID string) string {
	return outboxPrefix(identity) + itemID
}

func watermarkKey(identity string) string {
	return "watermark/" + escapeID(identity)
}

func postKey(postID string) string {
	return "post/" + postID
}
