// Package upnp 实现 UPnP IGD 网关发现与端口映射
//
// # 发现
//
// 经由每个本地地址向 239.255.255.250:1900 发送 SSDP M-SEARCH（每轮 3 个报文），
// 回复中包含 WANIPConnection 或 WANPPPConnection 服务类型的才被视为网关。
// 同一 LOCATION 在 20 秒窗口内只抓取一次设备描述。
//
// # 握手
//
// 抓取 LOCATION 指向的设备描述 XML，查找 WANIPConnection:1 或
// WANPPPConnection:1 服务，并把 controlURL 解析为相对 LOCATION 的绝对地址。
// 只有完成握手的设备才会触发 DeviceFound。
//
// # 控制
//
// 端口映射操作以 SOAP over HTTP 执行：
//
//	GetExternalIPAddress
//	AddPortMapping
//	DeletePortMapping
//	GetGenericPortMappingEntry   （按索引枚举，713 表示枚举结束）
//	GetSpecificPortMappingEntry
//
// 网关返回的 UPnPError 转换为 nat.ProtocolFault，错误码保持原值。
package upnp
