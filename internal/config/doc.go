// Package config 提供 TaskFlow 守护进程的配置加载能力。
//
// 配置以 JSON 格式存放，覆盖服务监听、任务存储、语义抽取、
// 链上访问、调度节奏、告警渠道与日志输出等部分。加载器会为
// 缺省字段填充默认值，并将链配置等相对路径解析为相对于配置
// 文件所在目录的绝对路径。
package config
