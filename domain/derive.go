package domain

import (
	"iter"
	"sort"
)

// SecretPlaceholder replaces the title and description of an item the viewer
// is not meant to see yet.
const SecretPlaceholder = "•••"

type FilterKind int

const (
	FilterAll FilterKind = iota
	FilterByCategory
	FilterUncategorized
	FilterSecretOnly
)

// Filter selects which items the derived view includes. The modes are
// mutually exclusive.
type Filter struct {
	Kind       FilterKind
	CategoryID string
	// UserID scopes FilterSecretOnly to items that user created; the secret
	// view lets a creator review their own pending surprises, it is not a
	// bypass of redaction.
	UserID string
}

func All() Filter                 { return Filter{Kind: FilterAll} }
func ByCategory(id string) Filter { return Filter{Kind: FilterByCategory, CategoryID: id} }
func Uncategorized() Filter       { return Filter{Kind: FilterUncategorized} }
func SecretOnly(userID string) Filter {
	return Filter{Kind: FilterSecretOnly, UserID: userID}
}

func (f Filter) match(it Item) bool {
	switch f.Kind {
	case FilterByCategory:
		return it.CategoryID == f.CategoryID
	case FilterUncategorized:
		return it.CategoryID == ""
	case FilterSecretOnly:
		return it.IsSecret && it.CreatorID == f.UserID
	default:
		return true
	}
}

// ItemView is what one member sees of an item. Redacted views carry the
// placeholder instead of the real title and description. Redaction happens
// here, at presentation: the stored document keeps secret content in the
// clear for both members.
type ItemView struct {
	Item
	Redacted bool `json:"redacted,omitempty"`
}

func viewFor(it Item, viewerID string) ItemView {
	v := ItemView{Item: it.clone()}
	if it.IsSecret && it.SecretFor == viewerID {
		v.Redacted = true
		v.Title = SecretPlaceholder
		v.Description = ""
	}
	return v
}

// Visible derives the display sequence for one viewer: open items before done
// ones, newest first inside each bucket, filtered by f. The sequence is lazy
// and restartable; ranging over it again re-derives from the same document.
func Visible(doc Document, f Filter, viewerID string) iter.Seq[ItemView] {
	return func(yield func(ItemView) bool) {
		idx := make([]int, 0, len(doc.Items))
		for i, it := range doc.Items {
			if f.match(it) {
				idx = append(idx, i)
			}
		}
		sort.SliceStable(idx, func(a, b int) bool {
			ia, ib := doc.Items[idx[a]], doc.Items[idx[b]]
			if ia.Done != ib.Done {
				return !ia.Done
			}
			return ia.CreatedAt > ib.CreatedAt
		})
		for _, i := range idx {
			if !yield(viewFor(doc.Items[i], viewerID)) {
				return
			}
		}
	}
}
