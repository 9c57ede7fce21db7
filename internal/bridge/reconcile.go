package bridge

import (
	"time"

	"go.uber.org/zap"

	"github.com/tuusuario/ftpdrive/internal/remote"
)

// reconcile turns a raw listing of parent into cache entries and stores them.
// Directories always take the freshly listed time. Files already cached keep
// their cached write time and length; unknown files get their length from a
// SIZE query. Paths missing from the listing are left alone.
//
// It runs on the handler goroutine: remote queries go through the executor
// and the cache lock is never held across them.
func (b *Bridge) reconcile(parent string, raw []remote.Entry) []FileInfo {
	paths := make([]string, len(raw))
	for i, re := range raw {
		paths[i] = Join(parent, re.Name)
	}
	known := b.cache.GetMany(paths)

	infos := make([]FileInfo, 0, len(raw))
	items := make([]Item, 0, len(raw))
	for i, re := range raw {
		if re.Name == "" || re.Name == "." || re.Name == ".." {
			continue
		}
		p := paths[i]
		prev, cached := known[p]

		entry, err := b.entryFromListing(p, re, prev, cached)
		if err != nil {
			b.log.Debug("listing entry fallback", zap.String("path", p), zap.Error(err))
			b.debug("metadata unavailable for %s: %v", p, err)
			entry = fallbackEntry(re.IsDir, b.now())
		}

		items = append(items, Item{Path: p, Entry: entry})
		infos = append(infos, FileInfo{Name: re.Name, Path: p, Entry: entry})
	}

	b.cache.PutAll(items)
	return infos
}

func (b *Bridge) entryFromListing(p string, re remote.Entry, prev Entry, cached bool) (Entry, error) {
	created := NormalizeTime(re.Created)

	if re.IsDir {
		return Entry{
			IsDir:      true,
			Created:    created,
			Accessed:   created,
			Modified:   created,
			Attributes: AttrDirectory,
		}, nil
	}

	lastWrite := created
	switch {
	case cached:
		lastWrite = prev.Modified
	case re.Created.IsZero():
		// Listing carried no date at all; MDTM is the better guess.
		mt, err := Do(b.exec, "ModTime", func(c remote.Client) (time.Time, error) {
			return c.ModTime(p)
		})
		if err == nil && !mt.IsZero() {
			lastWrite = NormalizeTime(mt)
		}
	}

	var length uint64
	if cached && !prev.IsDir {
		length = prev.Length
	} else {
		size, err := Do(b.exec, "FileSize", func(c remote.Client) (uint64, error) {
			return c.FileSize(p)
		})
		if err != nil {
			return Entry{}, err
		}
		length = size
	}

	return Entry{
		Length:     length,
		Created:    created,
		Accessed:   lastWrite,
		Modified:   lastWrite,
		Attributes: AttrNormal,
	}, nil
}

// fallbackEntry is used when an entry's metadata cannot be fetched.
func fallbackEntry(isDir bool, now time.Time) Entry {
	if isDir {
		return NewDirEntry(now)
	}
	return NewFileEntry(0, now)
}
