package scheduler

import "time"

// TimerID - дескриптор таймера хоста. Нулевое значение означает «таймер не взведён».
type TimerID uint64

// TimerPort абстрагирует таймер хоста.
//
// Arm взводит таймер на interval и возвращает его дескриптор. Если id не нулевой,
// существующий таймер перевзводится вместо создания второго. onFire должен
// вызываться в той же горутине, которая взвела таймер.
//
// Disarm снимает таймер. Повторный вызов и вызов для уже сработавшего таймера
// допустимы.
type TimerPort interface {
	Arm(id TimerID, interval time.Duration, onFire func()) TimerID
	Disarm(id TimerID)
}
