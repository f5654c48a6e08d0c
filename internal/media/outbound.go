package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/google/uuid"

	"tgsync/internal/domain"
)

// Staged is a set of outbound files ready for upload. Cleanup must be called
// once the send has finished, successfully or not.
type Staged struct {
	Files []domain.OutboundFile

	stageDir string
}

// Cleanup removes the per-send staging directory, if one was created.
func (s *Staged) Cleanup() {
	if s.stageDir != "" {
		os.RemoveAll(s.stageDir)
	}
}

// Resolve maps Store media items to local files. Missing kinds are inferred
// from the file name; URL references are downloaded into a staging directory.
//
// Items that can never be sent (missing local file, URL answering 4xx) are
// left out and reported in skipped. A transient failure or cancellation
// returns err instead, nothing is left on disk and the whole message should
// be retried later.
func (o *Orchestrator) Resolve(ctx context.Context, items []domain.Media) (staged *Staged, skipped []error, err error) {
	staged = &Staged{}
	for i, item := range items {
		if !item.Kind.Valid() {
			item.Kind = InferKind(item.Ref)
		}

		local, itemErr := o.resolveOne(ctx, staged, item, i)
		if itemErr != nil {
			if errors.Is(itemErr, domain.ErrTransient) || ctx.Err() != nil {
				staged.Cleanup()
				return nil, skipped, transferError(item, itemErr)
			}
			skipped = append(skipped, transferError(item, itemErr))
			continue
		}
		staged.Files = append(staged.Files, domain.OutboundFile{Kind: item.Kind, Path: local})
	}
	return staged, skipped, nil
}

func (o *Orchestrator) resolveOne(ctx context.Context, staged *Staged, item domain.Media, index int) (string, error) {
	if isURL(item.Ref) {
		if staged.stageDir == "" {
			dir, err := o.newStageDir()
			if err != nil {
				return "", fmt.Errorf("%w: %v", domain.ErrTransient, err)
			}
			staged.stageDir = dir
		}
		return o.fetchURL(ctx, item.Ref, staged.stageDir, index)
	}

	local := item.Ref
	if !filepath.IsAbs(local) {
		local = filepath.Join(o.root, filepath.FromSlash(local))
	}
	info, err := os.Stat(local)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", local)
	}
	return local, nil
}

func (o *Orchestrator) newStageDir() (string, error) {
	base := o.tempDir
	if base == "" {
		base = os.TempDir()
	}
	dir := filepath.Join(base, "tgsync-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

func (o *Orchestrator) fetchURL(ctx context.Context, ref, dir string, index int) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return "", err
	}
	resp, err := o.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return "", fmt.Errorf("%w: fetch %s: HTTP %d", domain.ErrTransient, ref, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: HTTP %d", ref, resp.StatusCode)
	}

	// Keep the original base name: the provider derives the displayed name from it.
	name := "file"
	if u, err := url.Parse(ref); err == nil {
		if b := sanitize(path.Base(u.Path)); b != "" && b != "." {
			name = b
		}
	}
	dest := filepath.Join(dir, fmt.Sprintf("%02d_%s", index, name))

	f, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return "", fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	return dest, f.Close()
}

// Partition splits files into send units: photos and videos are chunked into
// albums of at most maxAlbum items, every other kind goes alone. Albums come
// first, each group keeps the original relative order.
func Partition(files []domain.OutboundFile, maxAlbum int) [][]domain.OutboundFile {
	var groupable, single []domain.OutboundFile
	for _, f := range files {
		if f.Kind.Groupable() {
			groupable = append(groupable, f)
		} else {
			single = append(single, f)
		}
	}

	var groups [][]domain.OutboundFile
	for len(groupable) > 0 {
		n := min(maxAlbum, len(groupable))
		groups = append(groups, groupable[:n])
		groupable = groupable[n:]
	}
	for _, f := range single {
		groups = append(groups, []domain.OutboundFile{f})
	}
	return groups
}

// SendGroup uploads files to chatID as one logical message. The caption goes on
// the first item of the first unit only; a caption too long for media is sent
// as a text message before the files. It returns every provider message
// created, in send order. On error the messages sent so far are returned too.
func (o *Orchestrator) SendGroup(ctx context.Context, sess domain.Session, chatID int64, files []domain.OutboundFile, caption string) ([]domain.RemoteMessage, error) {
	if len(files) == 0 {
		return nil, ErrNoMedia
	}

	var sent []domain.RemoteMessage
	leading, caption := SplitCaption(caption)
	if leading != "" {
		m, err := sess.SendText(ctx, chatID, leading)
		if err != nil {
			return nil, err
		}
		sent = append(sent, m)
	}

	for i, group := range Partition(files, o.maxAlbum) {
		c := ""
		if i == 0 {
			c = caption
		}
		if len(group) == 1 {
			m, err := sess.SendMedia(ctx, chatID, group[0], c)
			if err != nil {
				return sent, fmt.Errorf("send %s: %w", group[0].Kind, err)
			}
			sent = append(sent, m)
			continue
		}
		ms, err := sess.SendMediaGroup(ctx, chatID, group, c)
		if err != nil {
			return sent, fmt.Errorf("send album of %d: %w", len(group), err)
		}
		sent = append(sent, ms...)
	}
	return sent, nil
}
