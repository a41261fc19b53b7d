package domain

import (
	"errors"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// Mutation types accepted by Apply.
const (
	OpAddCategory       = "add-category"
	OpRenameCategory    = "rename-category"
	OpDeleteCategory    = "delete-category"
	OpAddItem           = "add-item"
	OpToggleDone        = "toggle-done"
	OpToggleAlreadyDone = "toggle-already-done"
	OpReact             = "react"
	OpEditItem          = "edit-item"
	OpDeleteItem        = "delete-item"
	OpAddComment        = "add-comment"

	// OpReplace adopts the carried document verbatim. It is the
	// last-writer-wins case of the reducer: whatever state the writer held
	// overwrites the stored document in full, unrelated fields included.
	OpReplace = "replace"
)

var (
	ErrEmptyTitle   = errors.New("item title must not be empty")
	ErrEmptyComment = errors.New("comment text must not be empty")
	ErrUnknownOp    = errors.New("unknown mutation type")
	ErrBadPayload   = errors.New("malformed mutation payload")
)

// Mutation is one write request against the shared document.
type Mutation struct {
	// ID carries the idempotency key once the mutation is enqueued.
	ID             string                 `json:"id,omitempty"`
	IdempotencyKey string                 `json:"idempotencyKey"`
	Type           string                 `json:"type"`
	Data           sonic.NoCopyRawMessage `json:"data,omitempty"`
	Timestamp      int64                  `json:"timestamp"`
}

// Envelope pairs a mutation with the couple and the member submitting it.
type Envelope struct {
	CoupleID string   `json:"coupleId"`
	UserID   string   `json:"userId"`
	Mutation Mutation `json:"mutation"`
}

// Actor is the member a mutation runs as. PartnerID stays empty while the
// couple has a single member.
type Actor struct {
	ID        string
	PartnerID string
}

type AddCategoryData struct {
	Name string `json:"name"`
}

type RenameCategoryData struct {
	CategoryID string `json:"categoryId"`
	Name       string `json:"name"`
}

type DeleteCategoryData struct {
	CategoryID string `json:"categoryId"`
}

type AddItemData struct {
	CategoryID  string `json:"categoryId,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	IsSecret    bool   `json:"isSecret,omitempty"`
}

type ItemRefData struct {
	ItemID string `json:"itemId"`
}

type ReactData struct {
	ItemID string `json:"itemId"`
	Emoji  string `json:"emoji"`
}

type EditItemData struct {
	ItemID string `json:"itemId"`
	// nil leaves the field untouched; an empty description clears it, an
	// empty title is rejected and the old title kept.
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
}

type AddCommentData struct {
	ItemID string `json:"itemId"`
	Text   string `json:"text"`
}

type ReplaceData struct {
	Document Document `json:"document"`
}

// Apply is the single reducer every document change goes through, the
// realtime replace case included. It returns the next document, whether the
// document changed, and an error only for rejections the caller must surface
// (empty title or comment text, malformed or unknown mutations). Every other
// rejection, an unauthorized edit or a reference to a missing id, is a silent
// no-op: the input document comes back unchanged.
func Apply(doc Document, m Mutation, actor Actor) (Document, bool, error) {
	switch m.Type {
	case OpAddCategory:
		var p AddCategoryData
		if err := sonic.Unmarshal(m.Data, &p); err != nil {
			return doc, false, ErrBadPayload
		}
		next, changed := doc.AddCategory(p.Name)
		return next, changed, nil
	case OpRenameCategory:
		var p RenameCategoryData
		if err := sonic.Unmarshal(m.Data, &p); err != nil {
			return doc, false, ErrBadPayload
		}
		next, changed := doc.RenameCategory(p.CategoryID, p.Name)
		return next, changed, nil
	case OpDeleteCategory:
		var p DeleteCategoryData
		if err := sonic.Unmarshal(m.Data, &p); err != nil {
			return doc, false, ErrBadPayload
		}
		next, changed := doc.DeleteCategory(p.CategoryID)
		return next, changed, nil
	case OpAddItem:
		var p AddItemData
		if err := sonic.Unmarshal(m.Data, &p); err != nil {
			return doc, false, ErrBadPayload
		}
		return doc.AddItem(NewItem{
			CategoryID:  p.CategoryID,
			Title:       p.Title,
			Description: p.Description,
			IsSecret:    p.IsSecret,
			CreatorID:   actor.ID,
			PartnerID:   actor.PartnerID,
			CreatedAt:   m.Timestamp,
		})
	case OpToggleDone:
		var p ItemRefData
		if err := sonic.Unmarshal(m.Data, &p); err != nil {
			return doc, false, ErrBadPayload
		}
		next, changed := doc.ToggleDone(p.ItemID)
		return next, changed, nil
	case OpToggleAlreadyDone:
		var p ItemRefData
		if err := sonic.Unmarshal(m.Data, &p); err != nil {
			return doc, false, ErrBadPayload
		}
		next, changed := doc.ToggleAlreadyDone(p.ItemID, actor.ID)
		return next, changed, nil
	case OpReact:
		var p ReactData
		if err := sonic.Unmarshal(m.Data, &p); err != nil {
			return doc, false, ErrBadPayload
		}
		next, changed := doc.React(p.ItemID, actor.ID, p.Emoji)
		return next, changed, nil
	case OpEditItem:
		var p EditItemData
		if err := sonic.Unmarshal(m.Data, &p); err != nil {
			return doc, false, ErrBadPayload
		}
		next, changed := doc.EditItem(p.ItemID, actor.ID, p.Title, p.Description)
		return next, changed, nil
	case OpDeleteItem:
		var p ItemRefData
		if err := sonic.Unmarshal(m.Data, &p); err != nil {
			return doc, false, ErrBadPayload
		}
		next, changed := doc.DeleteItem(p.ItemID, actor.ID)
		return next, changed, nil
	case OpAddComment:
		var p AddCommentData
		if err := sonic.Unmarshal(m.Data, &p); err != nil {
			return doc, false, ErrBadPayload
		}
		return doc.AddComment(p.ItemID, actor.ID, p.Text, m.Timestamp)
	case OpReplace:
		var p ReplaceData
		if err := sonic.Unmarshal(m.Data, &p); err != nil {
			return doc, false, ErrBadPayload
		}
		return p.Document, true, nil
	default:
		return doc, false, ErrUnknownOp
	}
}

// AddCategory appends a category with a fresh id and the lowest unused color
// index. A name that trims to nothing is a silent no-op.
func (d Document) AddCategory(name string) (Document, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return d, false
	}
	next := d.Clone()
	next.Categories = append(next.Categories, Category{
		ID:         uuid.NewString(),
		Name:       name,
		ColorIndex: nextColorIndex(next.Categories),
	})
	return next, true
}

func (d Document) RenameCategory(id, name string) (Document, bool) {
	name = strings.TrimSpace(name)
	if name == "" || d.category(id) == nil {
		return d, false
	}
	next := d.Clone()
	next.category(id).Name = name
	return next, true
}

// DeleteCategory removes the category and nulls every item reference to it in
// the same rewrite, so the document never holds a dangling category id.
func (d Document) DeleteCategory(id string) (Document, bool) {
	if d.category(id) == nil {
		return d, false
	}
	next := d.Clone()
	kept := next.Categories[:0]
	for _, c := range next.Categories {
		if c.ID != id {
			kept = append(kept, c)
		}
	}
	next.Categories = kept
	for i := range next.Items {
		if next.Items[i].CategoryID == id {
			next.Items[i].CategoryID = ""
		}
	}
	return next, true
}

// NewItem carries the parameters for item creation.
type NewItem struct {
	CategoryID  string
	Title       string
	Description string
	IsSecret    bool
	CreatorID   string
	PartnerID   string
	CreatedAt   int64
}

// AddItem prepends a fresh item. The secret flag only sticks when a partner
// exists to hide the item from; secretFor is always the creator's partner,
// never the creator. An empty title is rejected with ErrEmptyTitle.
func (d Document) AddItem(p NewItem) (Document, bool, error) {
	title := strings.TrimSpace(p.Title)
	if title == "" {
		return d, false, ErrEmptyTitle
	}
	it := Item{
		ID:          uuid.NewString(),
		CategoryID:  p.CategoryID,
		CreatorID:   p.CreatorID,
		Title:       title,
		Description: strings.TrimSpace(p.Description),
		CreatedAt:   p.CreatedAt,
	}
	if p.IsSecret && p.PartnerID != "" {
		it.IsSecret = true
		it.SecretFor = p.PartnerID
	}
	next := d.Clone()
	next.Items = append([]Item{it}, next.Items...)
	return next, true, nil
}

// ToggleDone flips the shared done flag. Completing an item clears its
// secrecy: once celebrated together the surprise is revealed, and reopening
// the item later does not restore it.
func (d Document) ToggleDone(itemID string) (Document, bool) {
	if d.item(itemID) == nil {
		return d, false
	}
	next := d.Clone()
	it := next.item(itemID)
	it.Done = !it.Done
	if it.Done {
		it.IsSecret = false
		it.SecretFor = ""
	}
	return next, true
}

// ToggleAlreadyDone flips the per-user solo completion flag, independent of
// the shared done flag.
func (d Document) ToggleAlreadyDone(itemID, userID string) (Document, bool) {
	if userID == "" || d.item(itemID) == nil {
		return d, false
	}
	next := d.Clone()
	it := next.item(itemID)
	if it.AlreadyDone == nil {
		it.AlreadyDone = map[string]bool{}
	}
	it.AlreadyDone[userID] = !it.AlreadyDone[userID]
	return next, true
}

// React holds at most one emoji per user per item. Sending the emoji already
// set removes it; a different emoji replaces it.
func (d Document) React(itemID, userID, emoji string) (Document, bool) {
	if userID == "" || emoji == "" || d.item(itemID) == nil {
		return d, false
	}
	next := d.Clone()
	it := next.item(itemID)
	if it.Reactions[userID] == emoji {
		delete(it.Reactions, userID)
		if len(it.Reactions) == 0 {
			it.Reactions = nil
		}
		return next, true
	}
	if it.Reactions == nil {
		it.Reactions = map[string]string{}
	}
	it.Reactions[userID] = emoji
	return next, true
}

// EditItem only the creator may use; anyone else gets the document back
// untouched. A title trimming to nothing keeps the old title, an empty
// description clears it.
func (d Document) EditItem(itemID, requesterID string, title, description *string) (Document, bool) {
	cur := d.item(itemID)
	if cur == nil || cur.CreatorID != requesterID {
		return d, false
	}
	changed := false
	next := d.Clone()
	it := next.item(itemID)
	if title != nil {
		if t := strings.TrimSpace(*title); t != "" && t != it.Title {
			it.Title = t
			changed = true
		}
	}
	if description != nil {
		if desc := strings.TrimSpace(*description); desc != it.Description {
			it.Description = desc
			changed = true
		}
	}
	if !changed {
		return d, false
	}
	return next, true
}

// DeleteItem only the creator may use.
func (d Document) DeleteItem(itemID, requesterID string) (Document, bool) {
	cur := d.item(itemID)
	if cur == nil || cur.CreatorID != requesterID {
		return d, false
	}
	next := d.Clone()
	kept := next.Items[:0]
	for _, it := range next.Items {
		if it.ID != itemID {
			kept = append(kept, it)
		}
	}
	next.Items = kept
	return next, true
}

// AddComment appends an immutable comment. The item's creator cannot comment
// on their own item; that is a silent no-op. Empty text is rejected with
// ErrEmptyComment.
func (d Document) AddComment(itemID, userID, text string, now int64) (Document, bool, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return d, false, ErrEmptyComment
	}
	cur := d.item(itemID)
	if cur == nil || cur.CreatorID == userID {
		return d, false, nil
	}
	next := d.Clone()
	it := next.item(itemID)
	it.Comments = append(it.Comments, Comment{
		ID:        uuid.NewString(),
		UserID:    userID,
		Text:      text,
		CreatedAt: now,
	})
	return next, true, nil
}
