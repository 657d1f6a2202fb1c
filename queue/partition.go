package queue

import (
	"fmt"
	"hash/crc32"
	"sort"
)

const defaultVirtualNodes = 150

// HashRing 一致性哈希环,队列分片路由使用
// 增减一个分片只会迁移约1/N的key,不会全量迁移
type HashRing struct {
	virtualNodes int
	keys         []uint32 // 有序的虚拟节点哈希
	ring         map[uint32]string
	shards       []string
}

func NewHashRing(shards []string, virtualNodes int) *HashRing {
	if virtualNodes <= 0 {
		virtualNodes = defaultVirtualNodes
	}
	r := &HashRing{
		virtualNodes: virtualNodes,
		ring:         make(map[uint32]string),
		shards:       make([]string, 0, len(shards)),
	}
	for _, shard := range shards {
		r.addShard(shard)
	}
	sort.Slice(r.keys, func(i, j int) bool { return r.keys[i] < r.keys[j] })
	return r
}

func (r *HashRing) addShard(shard string) {
	r.shards = append(r.shards, shard)
	for i := 0; i < r.virtualNodes; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", shard, i)))
		if _, ok := r.ring[hash]; ok {
			// 哈希冲突,先到先得,丢一个虚拟节点影响可以忽略
			continue
		}
		r.ring[hash] = shard
		r.keys = append(r.keys, hash)
	}
}

// GetShard 返回key所属的分片,相同的key永远路由到同一个分片
func (r *HashRing) GetShard(key string) string {
	if len(r.keys) == 0 {
		return ""
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	// 顺时针找第一个>=hash的虚拟节点
	idx := sort.Search(len(r.keys), func(i int) bool { return r.keys[i] >= hash })
	if idx == len(r.keys) {
		idx = 0
	}
	return r.ring[r.keys[idx]]
}

func (r *HashRing) Shards() []string {
	ret := make([]string, len(r.shards))
	copy(ret, r.shards)
	return ret
}
