package chat

// Embed is a rich content block attached to a message.
//
// Fields mirror what chat platforms commonly render; drivers ignore fields they
// cannot represent.
type Embed struct {
	Type        string
	Title       string
	Description string
	URL         string
	// Timestamp is an ISO8601 string as delivered by the platform.
	Timestamp string
	Color     int
	Author    *EmbedAuthor
	Footer    *EmbedFooter
	Image     *EmbedMedia
	Thumbnail *EmbedMedia
	Video     *EmbedMedia
	Provider  *EmbedProvider
	Fields    []EmbedField
}

// EmbedAuthor is the author block of an embed.
type EmbedAuthor struct {
	Name    string
	URL     string
	IconURL string
}

// EmbedFooter is the footer block of an embed.
type EmbedFooter struct {
	Text    string
	IconURL string
}

// EmbedMedia references an image, thumbnail, or video.
type EmbedMedia struct {
	URL    string
	Width  int
	Height int
}

// EmbedProvider identifies the site an embed was generated from.
type EmbedProvider struct {
	Name string
	URL  string
}

// EmbedField is one name/value row of an embed.
type EmbedField struct {
	Name   string
	Value  string
	Inline bool
}

// Clone returns a deep copy of e.
func (e Embed) Clone() Embed {
	cloned := e
	if e.Author != nil {
		author := *e.Author
		cloned.Author = &author
	}
	if e.Footer != nil {
		footer := *e.Footer
		cloned.Footer = &footer
	}
	cloned.Image = cloneEmbedMedia(e.Image)
	cloned.Thumbnail = cloneEmbedMedia(e.Thumbnail)
	cloned.Video = cloneEmbedMedia(e.Video)
	if e.Provider != nil {
		provider := *e.Provider
		cloned.Provider = &provider
	}
	if len(e.Fields) > 0 {
		cloned.Fields = append([]EmbedField(nil), e.Fields...)
	}

	return cloned
}

// CloneEmbeds deep-copies a list of embeds; nil stays nil.
func CloneEmbeds(embeds []Embed) []Embed {
	if len(embeds) == 0 {
		return nil
	}

	cloned := make([]Embed, 0, len(embeds))
	for _, embed := range embeds {
		cloned = append(cloned, embed.Clone())
	}

	return cloned
}

func cloneEmbedMedia(media *EmbedMedia) *EmbedMedia {
	if media == nil {
		return nil
	}
	cloned := *media

	return &cloned
}
