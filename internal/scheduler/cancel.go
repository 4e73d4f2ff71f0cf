package scheduler

// CancelSet хранит идентификаторы вызовов, помеченных на отмену.
// Каждая отметка подавляет ровно один будущий вызов с этим идентификатором
// и затем снимается.
type CancelSet struct {
	ids map[CallID]struct{}
}

// NewCancelSet создает пустое множество отмен.
func NewCancelSet() *CancelSet {
	return &CancelSet{ids: make(map[CallID]struct{})}
}

// Add помечает идентификатор на отмену.
func (c *CancelSet) Add(id CallID) {
	c.ids[id] = struct{}{}
}

// Take снимает отметку и сообщает, была ли она.
func (c *CancelSet) Take(id CallID) bool {
	if _, ok := c.ids[id]; !ok {
		return false
	}
	delete(c.ids, id)
	return true
}

// Contains сообщает, помечен ли идентификатор.
func (c *CancelSet) Contains(id CallID) bool {
	_, ok := c.ids[id]
	return ok
}

// Len возвращает количество отметок.
func (c *CancelSet) Len() int {
	return len(c.ids)
}
