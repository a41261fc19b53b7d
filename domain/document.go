package domain

// PaletteSize is the number of category colors the clients can render.
// Color indexes always stay inside [0, PaletteSize).
const PaletteSize = 8

// Document is the whole shared state of one couple. It is stored, transferred
// and replaced as a single unit; every write is a full-document rewrite.
type Document struct {
	Categories []Category `json:"categories"`
	Items      []Item     `json:"items"`
}

// Category groups items under a named, colored label. The color index is
// assigned once at creation and never changes afterwards, so a category keeps
// its color across sessions even when older categories are deleted.
type Category struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ColorIndex int    `json:"colorIndex"`
}

// Item is a single bucket-list entry. CategoryID is empty for uncategorized
// items. AlreadyDone and Reactions are keyed by member user id.
type Item struct {
	ID          string            `json:"id"`
	CategoryID  string            `json:"categoryId,omitempty"`
	CreatorID   string            `json:"creatorId"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	IsSecret    bool              `json:"isSecret,omitempty"`
	SecretFor   string            `json:"secretFor,omitempty"`
	Done        bool              `json:"done,omitempty"`
	AlreadyDone map[string]bool   `json:"alreadyDone,omitempty"`
	Reactions   map[string]string `json:"reactions,omitempty"`
	Comments    []Comment         `json:"comments,omitempty"`
	CreatedAt   int64             `json:"createdAt"`
}

// Comment is append-only: once added it is never edited or removed.
type Comment struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Text      string `json:"text"`
	CreatedAt int64  `json:"createdAt"`
}

// Clone returns a deep copy. Mutation operations copy before touching
// anything so a caller's document is never aliased by the result.
func (d Document) Clone() Document {
	out := Document{}
	if d.Categories != nil {
		out.Categories = make([]Category, len(d.Categories))
		copy(out.Categories, d.Categories)
	}
	if d.Items != nil {
		out.Items = make([]Item, len(d.Items))
		for i, it := range d.Items {
			out.Items[i] = it.clone()
		}
	}
	return out
}

func (it Item) clone() Item {
	if it.AlreadyDone != nil {
		m := make(map[string]bool, len(it.AlreadyDone))
		for k, v := range it.AlreadyDone {
			m[k] = v
		}
		it.AlreadyDone = m
	}
	if it.Reactions != nil {
		m := make(map[string]string, len(it.Reactions))
		for k, v := range it.Reactions {
			m[k] = v
		}
		it.Reactions = m
	}
	if it.Comments != nil {
		cs := make([]Comment, len(it.Comments))
		copy(cs, it.Comments)
		it.Comments = cs
	}
	return it
}

func (d *Document) item(id string) *Item {
	for i := range d.Items {
		if d.Items[i].ID == id {
			return &d.Items[i]
		}
	}
	return nil
}

func (d *Document) category(id string) *Category {
	for i := range d.Categories {
		if d.Categories[i].ID == id {
			return &d.Categories[i]
		}
	}
	return nil
}

// nextColorIndex picks the lowest palette index not yet used by any category.
// When every index is taken the least-used lowest index is reused, so repeats
// stay deterministic once the palette is exhausted.
func nextColorIndex(categories []Category) int {
	var used [PaletteSize]int
	for _, c := range categories {
		if c.ColorIndex >= 0 && c.ColorIndex < PaletteSize {
			used[c.ColorIndex]++
		}
	}
	best := 0
	for i := 1; i < PaletteSize; i++ {
		if used[i] < used[best] {
			best = i
		}
	}
	return best
}
