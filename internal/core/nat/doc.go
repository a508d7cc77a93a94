// Package nat 实现 NAT 网关发现服务
//
// # 模块概述
//
// nat 组合两个相互独立的发现引擎：
//   - UPnP IGD: SSDP 组播探测，HTTP 抓取设备描述，SOAP 控制
//   - NAT-PMP: 向候选网关的 5351 端口发送外部地址请求
//
// 每个引擎拥有自己的套接字组、接收循环与设备注册表，彼此不共享锁。
// 发现结果以 DeviceEvent 的形式合并到 Service.Events()。
//
// # 快速开始
//
//	config := nat.DefaultConfig()
//	service, err := nat.NewService(config)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer service.Close()
//
//	if err := service.StartDiscovery(); err != nil {
//	    log.Fatal(err)
//	}
//
//	for ev := range service.Events() {
//	    if ev.Type != natif.DeviceFound {
//	        continue
//	    }
//	    m := natif.NewMapping(natif.ProtocolTCP, 6000, 6000, 3600, "natmap")
//	    if _, err := ev.Device.CreatePortMap(ctx, m); err != nil {
//	        log.Println(err)
//	    }
//	}
//
// # 设备生命周期
//
// 周期性发现的每一轮开始时，上一轮开始之前就没有被确认过的设备被移除，
// 并触发 DeviceLost。已登记设备的重复回复只刷新 LastSeen，不会再次触发 DeviceFound。
//
// # 配置选项
//
//	config := nat.DefaultConfig()
//	err := config.ApplyOptions(
//	    nat.WithNATPMP(false),
//	    nat.WithSearchIntervals(10*time.Second, 5*time.Minute),
//	    nat.WithHTTPTimeout(5*time.Second),
//	)
//
// # Fx 模块
//
//	app := fx.New(
//	    nat.Module(),
//	    fx.Supply(config),
//	)
//
// 模块在 OnStart 中启动全部已启用协议的发现，在 OnStop 中关闭服务。
package nat
