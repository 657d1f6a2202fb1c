// Package tests 是引擎的跨包集成测试模块。
//
// ⚠️ 重要提示：此包位于 internal/ 目录下，受 Go 编译器保护，
// 外部项目无法导入（会得到编译错误）。
//
// 📋 测试内容
//
// 此模块包含以下测试：
//   - DAG 推进顺序与上下文合并
//   - 重试边界与非关键节点失败
//   - parallel / loop / subprocess 节点
//   - mutexKey 互斥（含并发压测）与 businessKey 去重
//   - 协作式取消与工作流超时
//   - 启动恢复的幂等性
//   - 队列派发的端到端链路（含延迟重派）
//
// 🚀 运行测试
//
// 在项目根目录：
//
//	go test ./internal/tests/...
package tests
