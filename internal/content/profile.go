package content

import "regexp"

// Profile describes where a provider's pages keep their content and
// metadata.
type Profile struct {
	Name string

	// ContentIDs and ContentClasses locate the main-content container,
	// ids first.
	ContentIDs     []string
	ContentClasses []string

	Title       []Strategy
	Author      []Strategy
	PublishDate []Strategy
	SourceURL   []Strategy

	// LazySrcAttr is promoted to src on images.
	LazySrcAttr string

	VideoClass *regexp.Regexp
	AudioClass *regexp.Regexp
	AudioTags  []string
}

var (
	wechatTitleRe  = regexp.MustCompile(`var msg_title = ["'](.+?)["']`)
	wechatAuthorRe = regexp.MustCompile(`var nickname = ["'](.+?)["']`)
	wechatCtRe     = regexp.MustCompile(`var ct\s*=\s*["'](\d+)["']`)
	wechatSourceRe = regexp.MustCompile(`var msg_source_url = '(https?://[^']+)'`)
)

// WeChat is the profile for mp.weixin.qq.com articles.
func WeChat() Profile {
	return Profile{
		Name:           "wechat",
		ContentIDs:     []string{"js_content"},
		ContentClasses: []string{"rich_media_content"},
		Title: []Strategy{
			FromPattern(wechatTitleRe),
			FromSelector("h1.rich_media_title"),
			FromAttr(`meta[property="og:title"]`, "content"),
			FromReadability(ReadabilityTitle),
		},
		Author: []Strategy{
			FromPattern(wechatAuthorRe),
			FromSelector("#js_name, .rich_media_meta_nickname .rich_media_meta_link"),
			FromAttr(`meta[name="author"]`, "content"),
			FromReadability(ReadabilityByline),
		},
		PublishDate: []Strategy{
			FromEpoch(wechatCtRe),
			FromSelector("#publish_time"),
		},
		SourceURL: []Strategy{
			FromPattern(wechatSourceRe),
			FromAttr(`meta[property="og:url"]`, "content"),
		},
		LazySrcAttr: "data-src",
		VideoClass:  regexp.MustCompile(`video_iframe|mpvideo`),
		AudioClass:  regexp.MustCompile(`audio_iframe|mpvoice`),
		AudioTags:   []string{"mpvoice"},
	}
}
