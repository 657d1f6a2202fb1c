package queue

import "fmt"

// stream key命名: 花括号保证同一个队列的key落在redis cluster的同一个slot
func streamKey(queueName string, shard string) string {
	return fmt.Sprintf("q:{%s}:%s", queueName, shard)
}

// 高优先级消息走独立的stream,消费时排在普通stream前面
func priorityStreamKey(queueName string, shard string) string {
	return fmt.Sprintf("q:{%s}:%s:prio", queueName, shard)
}

// 死信stream,重试耗尽的消息的终点
func deadLetterStreamKey(queueName string) string {
	return fmt.Sprintf("q:{%s}:dead", queueName)
}
