// Package natpmp 实现 NAT-PMP（RFC 6886）网关发现与端口映射
//
// # 报文格式
//
// 所有报文为大端序二进制，网关监听 UDP 5351：
//
//	外部地址请求  [version=0, opcode=0]
//	外部地址响应  [version, 128, result(2), epoch(4), ip(4)]
//	映射请求      [version, opcode(1=UDP,2=TCP), reserved(2), internal(2), external(2), lifetime(4)]
//	映射响应      [version, 128+opcode, result(2), epoch(4), internal(2), external(2), lifetime(4)]
//
// # 重传
//
// 请求未获响应时按 250ms、500ms、1s ... 指数退避重发，共 9 次，
// 全部超时后操作以 ErrTimeout 失败。发现探测使用同样的退避序列，
// 收到任意合法回复后提前结束。
//
// # 使用示例
//
//	h := natpmp.NewHandler(group, natpmp.HandlerConfig{})
//	s := searcher.New(h, group, searcher.Config{Interval: 5 * time.Minute})
//	_ = s.StartDiscovery()
//
//	for ev := range s.Events() {
//	    m := nat.NewMapping(nat.ProtocolUDP, 4001, 4001, 3600, "dep2p")
//	    if _, err := ev.Device.CreatePortMap(ctx, m); err == nil {
//	        fmt.Println("外部端口", m.ExternalPort)
//	    }
//	}
//
// NAT-PMP 不支持映射枚举，GetAllMappings 与 GetSpecificMapping 返回
// nat.ErrUnsupportedOperation。
package natpmp
