package htmlhash

import (
	"bytes"
	"testing"
)

func hashOf(document string) []byte {
	return NewHasher([]byte(document)).Result()
}

func TestHasher_WhitespaceInsensitive(t *testing.T) {
	a := hashOf("<p>Hello   world</p>")
	b := hashOf("<p>Hello\n\tworld</p>")
	if !bytes.Equal(a, b) {
		t.Error("expected whitespace variants to hash identically")
	}
}

func TestHasher_CommentsIgnored(t *testing.T) {
	a := hashOf("<p>content</p>")
	b := hashOf("<!-- build 1234 --><p>content</p>")
	if !bytes.Equal(a, b) {
		t.Error("expected comments to be ignored")
	}
}

func TestHasher_ScriptsAndStylesIgnored(t *testing.T) {
	a := hashOf("<body>text</body>")
	b := hashOf("<script>var nonce = 'xyz';</script><style>.a{color:red}</style><body>text</body>")
	if !bytes.Equal(a, b) {
		t.Error("expected script and style bodies to be ignored")
	}
}

func TestHasher_TextChangesDetected(t *testing.T) {
	a := hashOf("<p>version one</p>")
	b := hashOf("<p>version two</p>")
	if bytes.Equal(a, b) {
		t.Error("expected different text to hash differently")
	}
}

func TestHasher_TagNamesDoNotContribute(t *testing.T) {
	a := hashOf("<div>content</div>")
	b := hashOf("<span>content</span>")
	if !bytes.Equal(a, b) {
		t.Error("expected markup-only differences to be invisible")
	}
}

func TestHasher_AddDataChangesResult(t *testing.T) {
	a := NewHasher([]byte("<p>same</p>"))
	a.AddData([]byte{1, 0, 0, 0})

	b := NewHasher([]byte("<p>same</p>"))
	b.AddData([]byte{2, 0, 0, 0})

	if bytes.Equal(a.Result(), b.Result()) {
		t.Error("expected mixed-in data to change the digest")
	}
}

func TestHasher_UnterminatedScriptDropped(t *testing.T) {
	a := hashOf("<p>before</p>")
	b := hashOf("<p>before</p><script>never closed")
	if !bytes.Equal(a, b) {
		t.Error("expected an unterminated script to be dropped to end of document")
	}
}
