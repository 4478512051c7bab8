package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/nidhogg/amc-memory/internal/knowledge"
)

const (
	archivedPageSize = 50
	messagePageSize  = 100
)

// ForumAPI is the part of the Discord REST client the forum fetcher uses.
// *discordgo.Session satisfies it.
type ForumAPI interface {
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	GuildThreadsActive(guildID string, options ...discordgo.RequestOption) (*discordgo.ThreadsList, error)
	ThreadsArchived(channelID string, before *time.Time, limit int, options ...discordgo.RequestOption) (*discordgo.ThreadsList, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
}

// ThreadIndexer receives fetched threads.
type ThreadIndexer interface {
	IndexThread(ctx context.Context, th knowledge.Thread) (knowledge.Report, error)
}

// ForumFetcher snapshots the threads of a Discord forum channel.
type ForumFetcher struct {
	api     ForumAPI
	forumID string
	logger  *zap.Logger
}

func NewForumFetcher(api ForumAPI, forumChannelID string, logger *zap.Logger) *ForumFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ForumFetcher{api: api, forumID: forumChannelID, logger: logger}
}

// Threads returns every active and archived thread under the forum,
// oldest message first within each thread.
func (f *ForumFetcher) Threads(ctx context.Context) ([]knowledge.Thread, error) {
	forum, err := f.api.Channel(f.forumID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("get forum channel: %w", err)
	}

	var channels []*discordgo.Channel
	active, err := f.api.GuildThreadsActive(forum.GuildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("list active threads: %w", err)
	}
	for _, ch := range active.Threads {
		if ch.ParentID == f.forumID {
			channels = append(channels, ch)
		}
	}

	var before *time.Time
	for {
		page, err := f.api.ThreadsArchived(f.forumID, before, archivedPageSize, discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("list archived threads: %w", err)
		}
		channels = append(channels, page.Threads...)
		if !page.HasMore || len(page.Threads) == 0 {
			break
		}
		last := page.Threads[len(page.Threads)-1]
		if last.ThreadMetadata == nil {
			break
		}
		ts := last.ThreadMetadata.ArchiveTimestamp
		before = &ts
	}

	threads := make([]knowledge.Thread, 0, len(channels))
	for _, ch := range channels {
		th, err := f.thread(ctx, ch)
		if err != nil {
			return nil, err
		}
		if len(th.Messages) > 0 {
			threads = append(threads, th)
		}
	}
	return threads, nil
}

func (f *ForumFetcher) thread(ctx context.Context, ch *discordgo.Channel) (knowledge.Thread, error) {
	var msgs []*discordgo.Message
	before := ""
	for {
		page, err := f.api.ChannelMessages(ch.ID, messagePageSize, before, "", "", discordgo.WithContext(ctx))
		if err != nil {
			return knowledge.Thread{}, fmt.Errorf("read thread %s: %w", ch.ID, err)
		}
		msgs = append(msgs, page...)
		if len(page) < messagePageSize {
			break
		}
		before = page[len(page)-1].ID
	}
	// Discord returns newest first.
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })

	th := knowledge.Thread{ID: ch.ID, Name: ch.Name}
	for _, m := range msgs {
		if text := strings.TrimSpace(m.Content); text != "" {
			th.Messages = append(th.Messages, text)
		}
	}
	if len(msgs) > 0 {
		th.Timestamp = msgs[0].Timestamp
	}
	return th, nil
}

// SyncReport summarizes one forum sync.
type SyncReport struct {
	Threads int `json:"threads"`
	Chunks  int `json:"chunks"`
	Failed  int `json:"failed"`
}

// Sync fetches every thread and re-indexes it. One failing thread does
// not stop the rest.
func (f *ForumFetcher) Sync(ctx context.Context, ix ThreadIndexer) (SyncReport, error) {
	threads, err := f.Threads(ctx)
	if err != nil {
		return SyncReport{}, err
	}
	var rep SyncReport
	for _, th := range threads {
		r, err := ix.IndexThread(ctx, th)
		if err != nil {
			rep.Failed++
			f.logger.Warn("index forum thread failed",
				zap.String("thread_id", th.ID),
				zap.String("thread_name", th.Name),
				zap.Error(err))
			continue
		}
		rep.Threads++
		rep.Chunks += r.Chunks
	}
	f.logger.Info("forum sync complete",
		zap.Int("threads", rep.Threads),
		zap.Int("chunks", rep.Chunks),
		zap.Int("failed", rep.Failed))
	return rep, nil
}
