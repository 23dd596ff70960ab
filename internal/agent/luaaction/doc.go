// Package luaaction runs Lua scripts as breakpoint hit actions.
//
// A script defines a global on_hit function that receives a table
// describing the hit:
//
//	function on_hit(hit)
//	    dbg.log("hit " .. hit.number .. " in " .. hit.frame.func)
//	    if hit.times >= 3 then
//	        dbg.disable()
//	    end
//	end
//
// The hit table carries number, display, times, cause, kinds (a list of
// kind names), and, when known, thread {pid, tid} and frame {level, pc,
// func}. on_hit may return false and a message to report a failure.
//
// Scripts run in a sandbox: only the base, table, string and math
// libraries are loaded, file loading is removed, and require accepts only
// those modules. Each call is bounded by the caller's context and the
// action's timeout.
package luaaction
