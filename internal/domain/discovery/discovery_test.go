package discovery_test

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/sword-epi/spectra/internal/domain/discovery"
	"github.com/sword-epi/spectra/internal/gateway"
	"github.com/sword-epi/spectra/internal/gateway/gatewaytest"
	"github.com/sword-epi/spectra/internal/store"
)

func TestExtractLinks(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		msg  gateway.Message
		want []string
	}{
		{
			name: "plain handles",
			msg:  gateway.Message{Text: "смотрите @first_chan и @second_chan"},
			want: []string{"@first_chan", "@second_chan"},
		},
		{
			name: "short handle ignored",
			msg:  gateway.Message{Text: "ping @abc"},
			want: nil,
		},
		{
			name: "invite links normalised",
			msg:  gateway.Message{Text: "join https://t.me/joinchat/AbCd-123 or t.me/+XyZ_9"},
			want: []string{"https://t.me/joinchat/AbCd-123", "https://t.me/joinchat/XyZ_9"},
		},
		{
			name: "public t.me link",
			msg:  gateway.Message{Text: "канал тут: https://t.me/some_channel"},
			want: []string{"@some_channel"},
		},
		{
			name: "resolve link",
			msg:  gateway.Message{Text: "tg://ish https://t.me/resolve?domain=deep_group"},
			want: []string{"@deep_group"},
		},
		{
			name: "private c link yields numeric id",
			msg:  gateway.Message{Text: "см. https://t.me/c/1234567/89"},
			want: []string{"1234567"},
		},
		{
			name: "structured mention",
			msg: gateway.Message{
				Text:     "пусто",
				Mentions: []gateway.Mention{{Username: "@from_entity", Source: gateway.MentionFromEntity}},
			},
			want: []string{"@from_entity"},
		},
		{
			name: "duplicates collapse",
			msg:  gateway.Message{Text: "@dup_chan и ещё раз t.me/dup_chan"},
			want: []string{"@dup_chan"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := discovery.ExtractLinks(tc.msg)
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("ExtractLinks: got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestClassifyLink(t *testing.T) {
	t.Parallel()
	tests := []struct {
		link string
		want string
	}{
		{"@channel_name", "username"},
		{"https://t.me/joinchat/AbC", "private"},
		{"https://t.me/+AbC", "private"},
		{"1234567", "unknown"},
	}
	for _, tc := range tests {
		if got := discovery.ClassifyLink(tc.link); got != tc.want {
			t.Errorf("ClassifyLink(%q) = %q, want %q", tc.link, got, tc.want)
		}
	}
}

func TestCrawlSeedPersistsGraph(t *testing.T) {
	t.Parallel()
	s, err := store.Open(filepath.Join(t.TempDir(), "disc.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	eng := discovery.NewEngine(s)
	gw := gatewaytest.New("acc")
	gw.IterMessagesFunc = func(req gateway.IterRequest, fn func(gateway.Message) error) error {
		msgs := []gateway.Message{
			{ID: 1, Date: time.Now(), Text: "интересно: @chan_one и @chan_two"},
			{ID: 2, Date: time.Now(), Text: "снова @chan_one"},
		}
		for _, m := range msgs {
			if err := fn(m); err != nil {
				return err
			}
		}
		return nil
	}

	links, err := eng.CrawlSeed(context.Background(), gw, "@seed_chan", 1, 100)
	if err != nil {
		t.Fatalf("CrawlSeed: %v", err)
	}
	want := []string{"@chan_one", "@chan_two"}
	if !reflect.DeepEqual(links, want) {
		t.Fatalf("links: got %v, want %v", links, want)
	}

	groups, err := s.DiscoveredGroups(context.Background())
	if err != nil {
		t.Fatalf("DiscoveredGroups: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("groups: %+v", groups)
	}
	if groups[0].Source != "discovery_depth_1" || groups[0].Kind != "username" {
		t.Errorf("group metadata: %+v", groups[0])
	}

	rels, err := s.Relationships(context.Background())
	if err != nil {
		t.Fatalf("Relationships: %v", err)
	}
	if len(rels) != 2 {
		t.Fatalf("relationships: %+v", rels)
	}
	for _, r := range rels {
		if r.Source != "@seed_chan" {
			t.Errorf("edge source: %+v", r)
		}
	}
}

func TestCrawlSeedSkipsSelfReference(t *testing.T) {
	t.Parallel()
	s, err := store.Open(filepath.Join(t.TempDir(), "disc.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	eng := discovery.NewEngine(s)
	gw := gatewaytest.New("acc")
	gw.IterMessagesFunc = func(_ gateway.IterRequest, fn func(gateway.Message) error) error {
		return fn(gateway.Message{ID: 1, Text: "это мы сами: @seed_chan, а это нет: @other_chan"})
	}

	links, err := eng.CrawlSeed(context.Background(), gw, "@seed_chan", 1, 10)
	if err != nil {
		t.Fatalf("CrawlSeed: %v", err)
	}
	if !reflect.DeepEqual(links, []string{"@other_chan"}) {
		t.Errorf("links: %v", links)
	}
}
