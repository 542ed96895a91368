package queue

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EntryTTL bounds the life of every per-day queue record.
const EntryTTL = 48 * time.Hour

// NoticeTTL bounds notification dedupe markers.
const NoticeTTL = 24 * time.Hour

// ClinicLockTTL is the lease of the per-clinic-day lock.
const ClinicLockTTL = 5 * time.Second

func CounterKey(clinic, date string) string {
	return fmt.Sprintf("queue:counter:%s:%s", clinic, date)
}

// TicketPrefix addresses every ticket of a clinic-day.
func TicketPrefix(clinic, date string) string {
	return fmt.Sprintf("queue:ticket:%s:%s:", clinic, date)
}

// TicketKey zero-pads the number so key order matches number order.
func TicketKey(clinic, date string, number uint64) string {
	return fmt.Sprintf("%s%06d", TicketPrefix(clinic, date), number)
}

func ticketNumberFromKey(key string) (uint64, bool) {
	i := strings.LastIndexByte(key, ':')
	if i < 0 {
		return 0, false
	}
	n, err := strconv.ParseUint(key[i+1:], 10, 64)
	if err != nil || n == 0 {
		return 0, false
	}
	return n, true
}

func UserKey(clinic, date, patient string) string {
	return fmt.Sprintf("queue:user:%s:%s:%s", clinic, date, patient)
}

func ListKey(clinic, date string) string {
	return fmt.Sprintf("queue:list:%s:%s", clinic, date)
}

func CurrentKey(clinic, date string) string {
	return fmt.Sprintf("queue:current:%s:%s", clinic, date)
}

// NoticeKey marks a one-shot notification as sent.
func NoticeKey(kind, clinic, date string, number uint64) string {
	return fmt.Sprintf("notice:%s:%s:%s:%d", kind, clinic, date, number)
}

// LockResource is the lock guarding a clinic-day.
func LockResource(clinic, date string) string {
	return fmt.Sprintf("clinic:%s:%s", clinic, date)
}
