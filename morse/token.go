package morse

// Kind identifies what a Token carries.
type Kind uint8

const (
	Letter Kind = iota
	InterLetterSpace
	InterWordSpace
	EndOfMessage
	UnknownCode
)

// UnknownMarker brackets the raw code of an unrecognised letter on the wire.
const UnknownMarker = "?"

func (k Kind) String() string {
	switch k {
	case Letter:
		return "letter"
	case InterLetterSpace:
		return "letter-space"
	case InterWordSpace:
		return "word-space"
	case EndOfMessage:
		return "end-of-message"
	case UnknownCode:
		return "unknown"
	default:
		return "invalid"
	}
}

// Token is the unit passed from the decoder to the framer.
type Token struct {
	Kind Kind
	Text string // decoded text for Letter
	Code string // raw marks for Letter and UnknownCode
}

func LetterToken(text, code string) Token { return Token{Kind: Letter, Text: text, Code: code} }
func UnknownToken(code string) Token      { return Token{Kind: UnknownCode, Code: code} }
func LetterSpaceToken() Token             { return Token{Kind: InterLetterSpace} }
func WordSpaceToken() Token               { return Token{Kind: InterWordSpace} }
func EndOfMessageToken() Token            { return Token{Kind: EndOfMessage, Code: EndOfMessageCode} }

// Wire renders the token the way the framer buffers it. A word gap is sent as
// a letter space followed by a word space, so words are separated by two
// spaces and letters by one.
func (t Token) Wire() string {
	switch t.Kind {
	case Letter:
		return t.Text
	case InterLetterSpace, InterWordSpace:
		return " "
	case EndOfMessage:
		return EndOfMessageText
	case UnknownCode:
		return UnknownMarker + t.Code + UnknownMarker
	default:
		return ""
	}
}

// Visible reports whether the token contributes message content.
func (t Token) Visible() bool {
	return t.Kind == Letter || t.Kind == UnknownCode
}
