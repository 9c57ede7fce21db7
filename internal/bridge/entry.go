package bridge

import "time"

// Attributes is the driver-visible attribute set of an entry.
type Attributes int

const (
	AttrNormal Attributes = iota
	AttrDirectory
)

func (a Attributes) String() string {
	if a == AttrDirectory {
		return "directory"
	}
	return "normal"
}

// Entry is the cached belief about one path.
type Entry struct {
	IsDir      bool
	Length     uint64
	Created    time.Time
	Accessed   time.Time
	Modified   time.Time
	Attributes Attributes
}

// FileInfo is an Entry together with its name and path, as reported to drivers.
type FileInfo struct {
	Name string
	Path string
	Entry
}

// NewDirEntry returns a directory entry with all timestamps set to now.
func NewDirEntry(now time.Time) Entry {
	return Entry{
		IsDir:      true,
		Created:    now,
		Accessed:   now,
		Modified:   now,
		Attributes: AttrDirectory,
	}
}

// NewFileEntry returns a file entry of the given length with all timestamps set to now.
func NewFileEntry(length uint64, now time.Time) Entry {
	return Entry{
		Length:     length,
		Created:    now,
		Accessed:   now,
		Modified:   now,
		Attributes: AttrNormal,
	}
}

// minYear is the earliest year a reported timestamp may carry. Servers that
// fill missing dates with an epoch placeholder such as 0001 or 1601 get
// shifted up to it.
const minYear = 1900

// NormalizeTime moves timestamps before 1900 forward to 1900 keeping month,
// day and time of day. A leap day becomes Feb 28 since 1900 has none.
func NormalizeTime(t time.Time) time.Time {
	if t.Year() >= minYear {
		return t
	}
	day := t.Day()
	if last := daysIn(t.Month(), minYear, t.Location()); day > last {
		day = last
	}
	return time.Date(minYear, t.Month(), day,
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(m time.Month, year int, loc *time.Location) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, loc).Day()
}
