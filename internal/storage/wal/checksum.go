package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"strconv"
	"strings"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 演算法：
// - 將 Seq、Type、ProducerID、Status、AliveMs 以 '|' 串接
// - 使用 CRC32-IEEE 多項式計算
// - 不包含 Timestamp 與 Checksum 本身
func CalculateChecksum(event Event) uint32 {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(event.Seq, 10))
	b.WriteByte('|')
	b.WriteString(string(event.Type))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(int(event.ProducerID)))
	b.WriteByte('|')
	b.WriteString(string(event.Status))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(event.AliveMs, 10))

	return crc32.ChecksumIEEE([]byte(b.String()))
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event)
}
