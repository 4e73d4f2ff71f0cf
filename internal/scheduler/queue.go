package scheduler

import (
	"container/heap"
	"time"
)

// DefaultResolution - шаг округления моментов срабатывания.
const DefaultResolution = 10 * time.Millisecond

// Due - момент срабатывания в миллисекундах от эпохи Unix, кратный разрешению очереди.
type Due int64

// Time возвращает момент срабатывания как time.Time.
func (d Due) Time() time.Time {
	return time.UnixMilli(int64(d))
}

type entry struct {
	id CallID
	fn Func
}

// Bucket - вызовы с одинаковым моментом срабатывания в порядке добавления.
type Bucket struct {
	Due     Due
	entries []entry
}

// Len возвращает количество вызовов в корзине.
func (b *Bucket) Len() int {
	return len(b.entries)
}

// IDs возвращает идентификаторы вызовов в порядке выполнения.
func (b *Bucket) IDs() []CallID {
	ids := make([]CallID, len(b.entries))
	for i, e := range b.entries {
		ids[i] = e.id
	}
	return ids
}

// dueHeap реализует container/heap.Interface для ключей корзин (min-heap).
type dueHeap []Due

func (h dueHeap) Len() int           { return len(h) }
func (h dueHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h dueHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *dueHeap) Push(x any) {
	*h = append(*h, x.(Due))
}

func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// DelayQueue хранит отложенные вызовы, сгруппированные по моменту срабатывания.
// Корзина существует, пока в ней есть хотя бы один вызов.
type DelayQueue struct {
	resolution time.Duration
	keys       dueHeap
	buckets    map[Due]*Bucket
	size       int
}

// NewDelayQueue создает очередь с заданным разрешением.
// Разрешение усекается до миллисекунд; значения меньше 1ms заменяются на DefaultResolution.
func NewDelayQueue(resolution time.Duration) *DelayQueue {
	resolution = resolution.Truncate(time.Millisecond)
	if resolution <= 0 {
		resolution = DefaultResolution
	}
	return &DelayQueue{
		resolution: resolution,
		buckets:    make(map[Due]*Bucket),
	}
}

// Resolution возвращает шаг округления очереди.
func (q *DelayQueue) Resolution() time.Duration {
	return q.resolution
}

// DueAt округляет момент времени до ближайшего шага разрешения.
// Счёт идёт в микросекундах: наносекунды переполняют int64 после 2262 года,
// а задержка до math.MaxInt64 должна давать момент в будущем.
func (q *DelayQueue) DueAt(t time.Time) Due {
	res := q.resolution.Microseconds()
	us := t.UnixMicro()
	rounded := (us + res/2) / res * res
	return Due(rounded / 1000)
}

// Insert добавляет вызов в конец корзины due, создавая её при необходимости.
func (q *DelayQueue) Insert(due Due, id CallID, fn Func) {
	b, ok := q.buckets[due]
	if !ok {
		b = &Bucket{Due: due}
		q.buckets[due] = b
		heap.Push(&q.keys, due)
	}
	b.entries = append(b.entries, entry{id: id, fn: fn})
	q.size++
}

// PopDue извлекает все корзины с моментом не позже threshold в порядке возрастания.
func (q *DelayQueue) PopDue(threshold Due) []*Bucket {
	var out []*Bucket
	for q.keys.Len() > 0 && q.keys[0] <= threshold {
		due := heap.Pop(&q.keys).(Due)
		b := q.buckets[due]
		delete(q.buckets, due)
		q.size -= len(b.entries)
		out = append(out, b)
	}
	return out
}

// Earliest возвращает ближайший момент срабатывания.
func (q *DelayQueue) Earliest() (Due, bool) {
	if q.keys.Len() == 0 {
		return 0, false
	}
	return q.keys[0], true
}

// Len возвращает количество ожидающих вызовов.
func (q *DelayQueue) Len() int {
	return q.size
}

// Buckets возвращает количество корзин.
func (q *DelayQueue) Buckets() int {
	return len(q.buckets)
}

// Empty сообщает, пуста ли очередь.
func (q *DelayQueue) Empty() bool {
	return q.size == 0
}
